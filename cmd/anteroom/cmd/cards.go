package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Anteroom/Anteroom/internal/cards"
	"github.com/Anteroom/Anteroom/internal/channels"
	"github.com/Anteroom/Anteroom/internal/provider"
	"github.com/Anteroom/Anteroom/internal/store"
)

var cardsCmd = &cobra.Command{
	Use:   "cards",
	Short: "Inspect and act on approval cards",
}

var cardsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval cards",
	Run: func(cmd *cobra.Command, args []string) {
		withQueue(func(ctx context.Context, queue *cards.CardQueue, _ *channels.Manager, _ store.Store) {
			pending := queue.Pending()
			if len(pending) == 0 {
				fmt.Println("No pending cards.")
				return
			}
			for _, card := range pending {
				printCard(card)
			}
			counts := queue.Counts()
			color.New(color.Faint).Printf("messages %d · todos %d · calendar %d\n",
				counts.Messages, counts.Todos, counts.Calendar)
		})
	},
}

var cardsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a card and send its reply",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withQueue(func(ctx context.Context, queue *cards.CardQueue, mgr *channels.Manager, st store.Store) {
			id, err := uuid.Parse(args[0])
			if err != nil {
				fatal(fmt.Errorf("malformed card id %q", args[0]))
			}
			card, err := queue.Approve(ctx, id)
			if err != nil {
				fatal(err)
			}
			if card.Reply != nil {
				if _, ok := mgr.Get(card.Reply.Channel); ok {
					if err := mgr.SendApproved(ctx, card, queue, st); err != nil {
						fatal(err)
					}
					fmt.Println("Approved and sent.")
					return
				}
				fmt.Printf("Approved. Channel %q not configured here; reply not sent.\n", card.Reply.Channel)
				return
			}
			fmt.Println("Approved.")
		})
	},
}

var cardsDismissCmd = &cobra.Command{
	Use:   "dismiss <id>",
	Short: "Dismiss a card",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withQueue(func(ctx context.Context, queue *cards.CardQueue, _ *channels.Manager, _ store.Store) {
			id, err := uuid.Parse(args[0])
			if err != nil {
				fatal(fmt.Errorf("malformed card id %q", args[0]))
			}
			if err := queue.Dismiss(ctx, id); err != nil {
				fatal(err)
			}
			fmt.Println("Dismissed.")
		})
	},
}

var cardsRefineCmd = &cobra.Command{
	Use:   "refine <id> <instruction...>",
	Short: "Refine a card's draft with an instruction",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		withQueue(func(ctx context.Context, queue *cards.CardQueue, _ *channels.Manager, _ store.Store) {
			id, err := uuid.Parse(args[0])
			if err != nil {
				fatal(fmt.Errorf("malformed card id %q", args[0]))
			}
			card, err := queue.Refine(ctx, id, strings.Join(args[1:], " "))
			if err != nil {
				fatal(err)
			}
			fmt.Println("Refined draft:")
			fmt.Println(card.Reply.SuggestedReply)
		})
	},
}

func init() {
	cardsCmd.AddCommand(cardsListCmd, cardsApproveCmd, cardsDismissCmd, cardsRefineCmd)
}

// withQueue wires up the store-backed queue and channel manager for
// one-shot card commands.
func withQueue(fn func(context.Context, *cards.CardQueue, *channels.Manager, store.Store)) {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	st, err := store.Open(cfg.Paths.DatabasePath)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	queue, err := cards.NewQueueWithStore(ctx, st)
	if err != nil {
		fatal(err)
	}
	if cfg.Model.APIKey != "" {
		if llm, err := provider.Resolve(cfg.Model.Provider, cfg.Model.APIKey, cfg.Model.APIBase, cfg.Model.Name); err == nil {
			queue.SetRefiner(llm)
		}
	}

	mgr := channels.NewManager()
	if cfg.Channels.Email.Enabled {
		mgr.Register(channels.NewEmailChannel(cfg.Channels.Email))
	}
	if cfg.Channels.Telegram.Enabled {
		mgr.Register(channels.NewTelegramChannel(cfg.Channels.Telegram, nil))
	}

	fn(ctx, queue, mgr, st)
}

func printCard(card *cards.ApprovalCard) {
	id := color.New(color.FgYellow).Sprint(card.ID)
	switch {
	case card.Reply != nil:
		fmt.Printf("%s [%s/%s] from %s\n", id, card.Silo, card.Reply.Channel, card.Reply.SourceSender)
		fmt.Printf("  « %s\n", firstLine(card.Reply.SourceMessage))
		fmt.Printf("  » %s (confidence %.2f)\n", firstLine(card.Reply.SuggestedReply), card.Reply.Confidence)
	case card.Action != nil:
		fmt.Printf("%s [%s] action: %s\n", id, card.Silo, card.Action.Description)
	case card.Compose != nil:
		fmt.Printf("%s [%s/%s] compose to %s: %s\n", id, card.Silo, card.Compose.Channel,
			card.Compose.Recipient, firstLine(card.Compose.DraftBody))
	case card.Decision != nil:
		fmt.Printf("%s [%s] decision: %s (%s)\n", id, card.Silo, card.Decision.Question,
			strings.Join(card.Decision.Options, " / "))
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	if len(s) > 120 {
		s = s[:120] + "…"
	}
	return s
}
