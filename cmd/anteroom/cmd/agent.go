package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Anteroom/Anteroom/internal/agent"
	"github.com/Anteroom/Anteroom/internal/bus"
	"github.com/Anteroom/Anteroom/internal/cards"
	"github.com/Anteroom/Anteroom/internal/channels"
	"github.com/Anteroom/Anteroom/internal/pipeline"
	"github.com/Anteroom/Anteroom/internal/provider"
	"github.com/Anteroom/Anteroom/internal/routine"
	"github.com/Anteroom/Anteroom/internal/safety"
	"github.com/Anteroom/Anteroom/internal/session"
	"github.com/Anteroom/Anteroom/internal/store"
	"github.com/Anteroom/Anteroom/internal/uibridge"
	"github.com/Anteroom/Anteroom/internal/workspace"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the full agent runtime",
	Run:   runAgent,
}

func runAgent(cmd *cobra.Command, args []string) {
	printHeader("anteroom agent")

	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	if cfg.Model.APIKey == "" {
		fmt.Fprintln(os.Stderr, "Warning: no model API key configured (ANTEROOM_MODEL_API_KEY)")
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

	ws, err := workspace.New(cfg.Paths.Workspace)
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Card queue with hydration, write-through, and refinement model.
	queue, err := cards.NewQueueWithStore(ctx, st)
	if err != nil {
		fatal(err)
	}
	queue.SetRefiner(llm)
	queue.Reconcile(ctx)

	// Rules engine: defaults plus user additions.
	rules := pipeline.DefaultRules()
	for _, custom := range cfg.Pipeline.CustomIgnoreRules {
		if err := rules.AddIgnoreRule(custom.Pattern, pipeline.RuleField(custom.Field), custom.Reason); err != nil {
			slog.Warn("Skipping bad custom ignore rule", "pattern", custom.Pattern, "error", err)
		}
	}
	for _, pattern := range cfg.Pipeline.AlwaysCardPatterns {
		if err := rules.AddAlwaysCard(pattern); err != nil {
			slog.Warn("Skipping bad always-card pattern", "pattern", pattern, "error", err)
		}
	}
	processor := pipeline.NewProcessor(rules, llm, queue, cfg.Pipeline.CardExpiryMinutes)

	// Channels.
	msgBus := bus.NewMessageBus()
	channelMgr := channels.NewManager()

	if cfg.Channels.Email.Enabled {
		email := channels.NewEmailChannel(cfg.Channels.Email)
		channelMgr.Register(email)
		poller := channels.NewPoller(email, st,
			channels.NewAllowlist(cfg.Channels.Email.AllowFrom),
			cfg.Channels.Email.SelfAddress, cfg.Channels.Email.PollInterval)
		go poller.Run(ctx)
	}
	var telegram *channels.TelegramChannel
	if cfg.Channels.Telegram.Enabled {
		telegram = channels.NewTelegramChannel(cfg.Channels.Telegram, msgBus)
		channelMgr.Register(telegram)
		go telegram.RunInteractive(ctx)
	}

	// Routine engine.
	engine := routine.NewEngine(st, llm, msgBus, routine.Config{
		TickInterval:    cfg.Routines.TickInterval,
		MaxConcurrent:   cfg.Routines.MaxConcurrent,
		DefaultCooldown: cfg.Routines.DefaultCooldown,
		MaxTokens:       cfg.Routines.LightweightMaxToken,
	})
	if cfg.Routines.Enabled {
		go func() { _ = engine.Run(ctx) }()
	}

	// Triage loop over persisted pending messages.
	triage := pipeline.NewTriageLoop(st, processor, engine, cfg.Routines.TickInterval)
	go triage.Run(ctx)

	// Sessions + agent loop for interactive channels.
	sessions := session.NewManager(st)
	go sessions.RunPruner(ctx, 10*time.Minute, cfg.Session.IdleTimeout)

	loop := agent.NewLoop(agent.LoopOptions{
		Bus:       msgBus,
		Provider:  llm,
		Store:     st,
		Queue:     queue,
		Sessions:  sessions,
		Safety:    safety.NewLayer(),
		Workspace: ws,
		Config:    cfg,
	})
	go func() { _ = loop.Run(ctx) }()
	go func() { _ = msgBus.DispatchOutbound(ctx) }()

	// Card expiry sweep and retention pruning.
	go queue.RunExpiry(ctx, time.Minute)
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := st.PruneCards(ctx, 30); err == nil && n > 0 {
					slog.Info("Pruned old cards", "count", n)
				}
				if n, err := st.PruneRoutineRuns(ctx, 30); err == nil && n > 0 {
					slog.Info("Pruned old routine runs", "count", n)
				}
			}
		}
	}()

	// UI bridge.
	bridge := uibridge.NewServer(queue, channelMgr, st, cfg.Bridge.AuthToken)
	go func() {
		if err := bridge.ListenAndServe(ctx, uibridge.Addr(cfg.Bridge.Host, cfg.Bridge.Port)); err != nil {
			slog.Error("UI bridge failed", "error", err)
		}
	}()

	fmt.Printf("Runtime up. Bridge on %s. Ctrl-C to stop.\n",
		uibridge.Addr(cfg.Bridge.Host, cfg.Bridge.Port))
	<-ctx.Done()
	fmt.Println("\nShutting down.")
	loop.Stop()
	engine.Wait()
}
