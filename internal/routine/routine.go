// Package routine implements scheduled and event-triggered tasks with
// cooldown, concurrency, and dedup guardrails.
package routine

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/Anteroom/Anteroom/internal/store"
)

// Trigger variants.
const (
	TriggerCron    = "cron"
	TriggerEvent   = "event"
	TriggerWebhook = "webhook"
	TriggerManual  = "manual"
)

// Action variants.
const (
	ActionLightweight = "lightweight"
	ActionFullJob     = "full_job"
)

// TriggerConfig holds the variant-specific trigger fields.
type TriggerConfig struct {
	// Schedule applies to cron triggers (5-field cron).
	Schedule string `json:"schedule,omitempty"`
	// Channel and Pattern apply to event triggers; Channel empty means
	// any channel, Pattern is a regex over message content.
	Channel string `json:"channel,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	// Path and Secret apply to webhook triggers.
	Path   string `json:"path,omitempty"`
	Secret string `json:"secret,omitempty"`
}

// ActionConfig holds the variant-specific action fields.
type ActionConfig struct {
	// Lightweight fields.
	Prompt       string   `json:"prompt,omitempty"`
	ContextPaths []string `json:"context_paths,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	// Full-job fields.
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// Guardrails bound how often and how concurrently a routine may fire.
type Guardrails struct {
	CooldownSeconds int `json:"cooldown_seconds,omitempty"`
	MaxConcurrent   int `json:"max_concurrent,omitempty"`
	// DedupWindowSeconds suppresses repeat event fires of identical
	// content inside the window. Zero disables dedup.
	DedupWindowSeconds int `json:"dedup_window_seconds,omitempty"`
}

// NotifyConfig selects who hears about runs and for which outcomes.
type NotifyConfig struct {
	Channel string `json:"channel,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	// OnStatus lists run statuses that trigger a notification
	// (ok, attention, failed). Empty means never notify.
	OnStatus []string `json:"on_status,omitempty"`
}

// WantsNotification reports whether status is in the notify set.
func (n *NotifyConfig) WantsNotification(status string) bool {
	for _, s := range n.OnStatus {
		if s == status {
			return true
		}
	}
	return false
}

// Routine is the in-memory form of a routine definition.
type Routine struct {
	ID          string
	Name        string
	Description string
	Owner       string
	Enabled     bool
	TriggerType string
	Trigger     TriggerConfig
	ActionType  string
	Action      ActionConfig
	Guardrails  Guardrails
	Notify      NotifyConfig

	LastRunAt   *time.Time
	NextFireAt  *time.Time
	RunCount    int
	ConsecFails int
}

// Cooldown returns the effective cooldown, falling back to def.
func (r *Routine) Cooldown(def time.Duration) time.Duration {
	if r.Guardrails.CooldownSeconds > 0 {
		return time.Duration(r.Guardrails.CooldownSeconds) * time.Second
	}
	return def
}

// MaxConcurrent returns the per-routine concurrency cap (min 1).
func (r *Routine) MaxConcurrent() int {
	if r.Guardrails.MaxConcurrent > 0 {
		return r.Guardrails.MaxConcurrent
	}
	return 1
}

// CronSchedule compiles the trigger's cron expression.
func (t *TriggerConfig) CronSchedule() (*Schedule, error) {
	return ParseSchedule(t.Schedule)
}

// NextCronFire computes the next fire time for a cron routine.
func (r *Routine) NextCronFire(after time.Time) (*time.Time, error) {
	if r.TriggerType != TriggerCron {
		return nil, nil
	}
	sched, err := r.Trigger.CronSchedule()
	if err != nil {
		return nil, fmt.Errorf("routine %s: %w", r.ID, err)
	}
	next := sched.Next(after)
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}

// ContentHash hashes event content for the dedup window (FNV-1a).
func ContentHash(content string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(content))
	return h.Sum64()
}

// ---------------------------------------------------------------------------
// Store conversion
// ---------------------------------------------------------------------------

// ToRecord flattens the routine for persistence.
func (r *Routine) ToRecord() (*store.RoutineRecord, error) {
	trigger, err := json.Marshal(r.Trigger)
	if err != nil {
		return nil, err
	}
	action, err := json.Marshal(r.Action)
	if err != nil {
		return nil, err
	}
	guardrails, err := json.Marshal(r.Guardrails)
	if err != nil {
		return nil, err
	}
	notify, err := json.Marshal(r.Notify)
	if err != nil {
		return nil, err
	}
	return &store.RoutineRecord{
		ID:            r.ID,
		Name:          r.Name,
		Description:   r.Description,
		Owner:         r.Owner,
		Enabled:       r.Enabled,
		TriggerType:   r.TriggerType,
		TriggerConfig: string(trigger),
		ActionType:    r.ActionType,
		ActionConfig:  string(action),
		Guardrails:    string(guardrails),
		Notify:        string(notify),
		LastRunAt:     r.LastRunAt,
		NextFireAt:    r.NextFireAt,
		RunCount:      r.RunCount,
		ConsecFails:   r.ConsecFails,
	}, nil
}

// FromRecord rebuilds a routine from its persisted form.
func FromRecord(rec *store.RoutineRecord) (*Routine, error) {
	r := &Routine{
		ID:          rec.ID,
		Name:        rec.Name,
		Description: rec.Description,
		Owner:       rec.Owner,
		Enabled:     rec.Enabled,
		TriggerType: rec.TriggerType,
		ActionType:  rec.ActionType,
		LastRunAt:   rec.LastRunAt,
		NextFireAt:  rec.NextFireAt,
		RunCount:    rec.RunCount,
		ConsecFails: rec.ConsecFails,
	}
	switch rec.TriggerType {
	case TriggerCron, TriggerEvent, TriggerWebhook, TriggerManual:
	default:
		return nil, fmt.Errorf("routine %s: unknown trigger type %q", rec.ID, rec.TriggerType)
	}
	switch rec.ActionType {
	case ActionLightweight, ActionFullJob:
	default:
		return nil, fmt.Errorf("routine %s: unknown action type %q", rec.ID, rec.ActionType)
	}
	if rec.TriggerConfig != "" {
		if err := json.Unmarshal([]byte(rec.TriggerConfig), &r.Trigger); err != nil {
			return nil, fmt.Errorf("routine %s trigger config: %w", rec.ID, err)
		}
	}
	if r.TriggerType == TriggerCron {
		// A cron routine with an uncompilable schedule can never fire;
		// surface that when loading, not on the tick path.
		if _, err := r.Trigger.CronSchedule(); err != nil {
			return nil, fmt.Errorf("routine %s: %w", rec.ID, err)
		}
	}
	if rec.ActionConfig != "" {
		if err := json.Unmarshal([]byte(rec.ActionConfig), &r.Action); err != nil {
			return nil, fmt.Errorf("routine %s action config: %w", rec.ID, err)
		}
	}
	if rec.Guardrails != "" {
		if err := json.Unmarshal([]byte(rec.Guardrails), &r.Guardrails); err != nil {
			return nil, fmt.Errorf("routine %s guardrails: %w", rec.ID, err)
		}
	}
	if rec.Notify != "" {
		if err := json.Unmarshal([]byte(rec.Notify), &r.Notify); err != nil {
			return nil, fmt.Errorf("routine %s notify config: %w", rec.ID, err)
		}
	}
	return r, nil
}

// NewRunID generates a run identifier.
func NewRunID() string { return "run-" + uuid.NewString() }
