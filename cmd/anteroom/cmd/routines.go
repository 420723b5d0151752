package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Anteroom/Anteroom/internal/bus"
	"github.com/Anteroom/Anteroom/internal/provider"
	"github.com/Anteroom/Anteroom/internal/routine"
	"github.com/Anteroom/Anteroom/internal/store"
)

var routinesCmd = &cobra.Command{
	Use:   "routines",
	Short: "Manage scheduled and event-triggered routines",
}

var routinesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List routines and their runtime state",
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(ctx context.Context, st *store.SQLiteStore) {
			records, err := st.ListRoutines(ctx)
			if err != nil {
				fatal(err)
			}
			if len(records) == 0 {
				fmt.Println("No routines.")
				return
			}
			for _, rec := range records {
				state := color.New(color.FgGreen).Sprint("enabled")
				if !rec.Enabled {
					state = color.New(color.Faint).Sprint("disabled")
				}
				fmt.Printf("%s  %s (%s/%s) %s\n",
					color.New(color.FgYellow).Sprint(rec.ID),
					rec.Name, rec.TriggerType, rec.ActionType, state)
				if rec.LastRunAt != nil {
					fmt.Printf("  last run %s, runs %d, consecutive failures %d\n",
						rec.LastRunAt.Format(time.RFC3339), rec.RunCount, rec.ConsecFails)
				}
				if rec.NextFireAt != nil {
					fmt.Printf("  next fire %s\n", rec.NextFireAt.Format(time.RFC3339))
				}
			}
		})
	},
}

var routinesRunsCmd = &cobra.Command{
	Use:   "runs <id>",
	Short: "Show recent runs of a routine",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(ctx context.Context, st *store.SQLiteStore) {
			runs, err := st.ListRoutineRuns(ctx, args[0], 20)
			if err != nil {
				fatal(err)
			}
			if len(runs) == 0 {
				fmt.Println("No runs.")
				return
			}
			for _, run := range runs {
				fmt.Printf("%s  %-9s  %s  %s\n",
					run.StartedAt.Format(time.RFC3339), run.Status, run.Trigger, firstLine(run.Summary))
			}
		})
	},
}

var routinesFireCmd = &cobra.Command{
	Use:   "fire <id>",
	Short: "Fire a routine manually (guardrails still apply)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatal(err)
		}
		llm, err := provider.Resolve(cfg.Model.Provider, cfg.Model.APIKey, cfg.Model.APIBase, cfg.Model.Name)
		if err != nil {
			fatal(err)
		}
		st, err := store.Open(cfg.Paths.DatabasePath)
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		engine := routine.NewEngine(st, llm, bus.NewMessageBus(), routine.Config{
			MaxConcurrent:   cfg.Routines.MaxConcurrent,
			DefaultCooldown: cfg.Routines.DefaultCooldown,
			MaxTokens:       cfg.Routines.LightweightMaxToken,
		})
		ctx := context.Background()
		if err := engine.Fire(ctx, args[0]); err != nil {
			fatal(err)
		}
		engine.Wait()

		runs, _ := st.ListRoutineRuns(ctx, args[0], 1)
		if len(runs) > 0 {
			fmt.Printf("Run %s: %s — %s\n", runs[0].ID, runs[0].Status, runs[0].Summary)
		}
	},
}

var routinesAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a lightweight routine",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		schedule, _ := cmd.Flags().GetString("cron")
		pattern, _ := cmd.Flags().GetString("pattern")
		prompt, _ := cmd.Flags().GetString("prompt")
		if prompt == "" {
			fatal(fmt.Errorf("--prompt is required"))
		}

		r := &routine.Routine{
			ID:         uuid.NewString(),
			Name:       args[0],
			Enabled:    true,
			ActionType: routine.ActionLightweight,
			Action:     routine.ActionConfig{Prompt: prompt},
		}
		switch {
		case schedule != "":
			r.TriggerType = routine.TriggerCron
			r.Trigger = routine.TriggerConfig{Schedule: schedule}
			next, err := r.NextCronFire(time.Now())
			if err != nil {
				fatal(err)
			}
			if next == nil {
				fatal(fmt.Errorf("schedule %q never fires", schedule))
			}
			r.NextFireAt = next
		case pattern != "":
			r.TriggerType = routine.TriggerEvent
			r.Trigger = routine.TriggerConfig{Pattern: pattern}
		default:
			r.TriggerType = routine.TriggerManual
		}

		withStore(func(ctx context.Context, st *store.SQLiteStore) {
			rec, err := r.ToRecord()
			if err != nil {
				fatal(err)
			}
			if err := st.InsertRoutine(ctx, rec); err != nil {
				fatal(err)
			}
			fmt.Printf("Routine %s created (%s).\n", r.ID, r.TriggerType)
		})
	},
}

func init() {
	routinesAddCmd.Flags().String("cron", "", "5-field cron schedule")
	routinesAddCmd.Flags().String("pattern", "", "Event content regex")
	routinesAddCmd.Flags().String("prompt", "", "Lightweight prompt")
	routinesCmd.AddCommand(routinesListCmd, routinesRunsCmd, routinesFireCmd, routinesAddCmd)
}

func withStore(fn func(context.Context, *store.SQLiteStore)) {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	st, err := store.Open(cfg.Paths.DatabasePath)
	if err != nil {
		fatal(err)
	}
	defer st.Close()
	fn(context.Background(), st)
}
