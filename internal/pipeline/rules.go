package pipeline

import (
	"fmt"
	"log/slog"
	"regexp"
)

// RuleField selects which message field a rule matches against.
type RuleField string

const (
	FieldSender  RuleField = "sender"
	FieldSubject RuleField = "subject"
	FieldContent RuleField = "content"
)

// IgnoreRule drops a message before it reaches the model.
type IgnoreRule struct {
	Pattern string
	Regex   *regexp.Regexp
	Field   RuleField
	Reason  string
}

// NotifyRule surfaces transactional messages as notifications without a
// model call. Notify rules run after the ignore rules, so a message that
// matches an ignore rule is still ignored.
type NotifyRule struct {
	Regex         *regexp.Regexp
	Field         RuleField
	SummaryPrefix string
}

// RulesEngine is the pre-model rules step. Evaluation order is fixed and
// observable: always-card bypass first, then ignore rules, then notify
// rules; within each list the first match wins.
type RulesEngine struct {
	ignoreRules []IgnoreRule
	notifyRules []NotifyRule
	// alwaysCard holds sender patterns that bypass ignore rules entirely.
	alwaysCard []*regexp.Regexp
}

// DefaultRules creates a rules engine with the stock ignore and notify
// patterns: noreply senders, marketing domains, mailer daemons,
// unsubscribe subjects and footers, platform bots; shipping and payment
// content notifies.
func DefaultRules() *RulesEngine {
	ignoreRules := []IgnoreRule{
		{
			Pattern: "noreply@*",
			Regex:   regexp.MustCompile(`(?i)^no[-_.]?reply@`),
			Field:   FieldSender,
			Reason:  "noreply sender",
		},
		{
			Pattern: "*@marketing.*",
			Regex:   regexp.MustCompile(`(?i)@(marketing|newsletter|promo|campaign)\b`),
			Field:   FieldSender,
			Reason:  "marketing/newsletter sender",
		},
		{
			Pattern: "mailer-daemon",
			Regex:   regexp.MustCompile(`(?i)^(mailer[-_]?daemon|postmaster)@`),
			Field:   FieldSender,
			Reason:  "automated mail system",
		},
		{
			Pattern: "unsubscribe in subject",
			Regex:   regexp.MustCompile(`(?i)\bunsubscribe\b`),
			Field:   FieldSubject,
			Reason:  "newsletter/marketing (unsubscribe in subject)",
		},
		{
			Pattern: "unsubscribe footer",
			Regex:   regexp.MustCompile(`(?i)(click here to unsubscribe|manage your subscription|email preferences|opt[- ]?out)`),
			Field:   FieldContent,
			Reason:  "bulk/marketing email (unsubscribe footer)",
		},
		{
			Pattern: "notifications@github.com",
			Regex:   regexp.MustCompile(`(?i)^notifications@github\.com$`),
			Field:   FieldSender,
			Reason:  "GitHub notification",
		},
	}

	notifyRules := []NotifyRule{
		{
			Regex:         regexp.MustCompile(`(?i)(your (order|package|shipment)|tracking (number|update)|has (shipped|been delivered)|out for delivery)`),
			Field:         FieldContent,
			SummaryPrefix: "Shipping/delivery update",
		},
		{
			Regex:         regexp.MustCompile(`(?i)(payment (received|confirmed)|receipt for|invoice #|your (receipt|transaction))`),
			Field:         FieldContent,
			SummaryPrefix: "Payment/receipt",
		},
	}

	return &RulesEngine{ignoreRules: ignoreRules, notifyRules: notifyRules}
}

// EmptyRules creates an engine with no rules (testing).
func EmptyRules() *RulesEngine {
	return &RulesEngine{}
}

// AddAlwaysCard registers a sender pattern that always gets a card,
// bypassing ignore rules. A bad pattern is an error; the engine stays
// usable.
func (e *RulesEngine) AddAlwaysCard(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("always-card pattern %q: %w", pattern, err)
	}
	e.alwaysCard = append(e.alwaysCard, re)
	return nil
}

// AddIgnoreRule appends a custom ignore rule.
func (e *RulesEngine) AddIgnoreRule(pattern string, field RuleField, reason string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("ignore rule %q: %w", pattern, err)
	}
	e.ignoreRules = append(e.ignoreRules, IgnoreRule{
		Pattern: pattern, Regex: re, Field: field, Reason: reason,
	})
	return nil
}

// Evaluate runs a message through the rules. A non-nil result
// short-circuits the model call; nil falls through to model triage.
// Evaluation is deterministic: identical input yields identical output.
func (e *RulesEngine) Evaluate(msg *InboundMessage) *TriageAction {
	// Always-card senders bypass ignore rules entirely.
	for _, re := range e.alwaysCard {
		if re.MatchString(msg.Sender) {
			slog.Debug("Sender matches always-card pattern, bypassing rules", "sender", msg.Sender)
			return nil
		}
	}

	for _, rule := range e.ignoreRules {
		value, ok := fieldValue(msg, rule.Field)
		if !ok {
			continue
		}
		if rule.Regex.MatchString(value) {
			slog.Debug("Message matched ignore rule",
				"sender", msg.Sender, "rule", rule.Pattern, "reason", rule.Reason)
			action := Ignore(rule.Reason)
			return &action
		}
	}

	for _, rule := range e.notifyRules {
		value, ok := fieldValue(msg, rule.Field)
		if !ok {
			continue
		}
		if rule.Regex.MatchString(value) {
			display := msg.SenderName
			if display == "" {
				display = msg.Sender
			}
			action := Notify(fmt.Sprintf("%s from %s", rule.SummaryPrefix, display))
			return &action
		}
	}

	return nil
}

func fieldValue(msg *InboundMessage, field RuleField) (string, bool) {
	switch field {
	case FieldSender:
		return msg.Sender, true
	case FieldSubject:
		if msg.Subject == "" {
			return "", false
		}
		return msg.Subject, true
	case FieldContent:
		return msg.Content, true
	}
	return "", false
}
