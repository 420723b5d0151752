package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Anteroom/Anteroom/internal/agent"
	"github.com/Anteroom/Anteroom/internal/bus"
	"github.com/Anteroom/Anteroom/internal/cards"
	"github.com/Anteroom/Anteroom/internal/provider"
	"github.com/Anteroom/Anteroom/internal/safety"
	"github.com/Anteroom/Anteroom/internal/session"
	"github.com/Anteroom/Anteroom/internal/store"
	"github.com/Anteroom/Anteroom/internal/workspace"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent interactively in the terminal",
	Run:   runChat,
}

func runChat(cmd *cobra.Command, args []string) {
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
	ws, err := workspace.New(cfg.Paths.Workspace)
	if err != nil {
		fatal(err)
	}

	ctx := context.Background()
	queue, err := cards.NewQueueWithStore(ctx, st)
	if err != nil {
		fatal(err)
	}
	queue.SetRefiner(llm)

	msgBus := bus.NewMessageBus()
	dim := color.New(color.Faint)
	msgBus.SubscribeStatus("cli", func(u *bus.StatusUpdate) {
		switch u.Kind {
		case bus.StatusThinking:
			dim.Println("· thinking")
		case bus.StatusToolStarted:
			dim.Printf("· running %s\n", u.ToolName)
		case bus.StatusToolResult:
			dim.Printf("· %s → %s\n", u.ToolName, u.Preview)
		case bus.StatusApprovalNeeded:
			color.New(color.FgYellow).Printf("· approval needed: %s\n", u.ToolName)
		}
	})

	loop := agent.NewLoop(agent.LoopOptions{
		Bus:       msgBus,
		Provider:  llm,
		Store:     st,
		Queue:     queue,
		Sessions:  session.NewManager(st),
		Safety:    safety.NewLayer(),
		Workspace: ws,
		Config:    cfg,
	})

	printHeader("anteroom chat")
	fmt.Println("Type /help for commands, /quit to exit.")

	prompt := color.New(color.FgGreen, color.Bold)
	assistant := color.New(color.FgCyan)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		prompt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if sub := agent.ParseSubmission(input); sub.Kind == agent.SubQuit {
			break
		}

		response, err := loop.HandleMessage(ctx, &bus.IncomingMessage{
			Channel: "cli",
			UserID:  "local",
			Content: input,
		})
		if err != nil {
			color.New(color.FgRed).Printf("error: %v\n", err)
			continue
		}
		if response != "" {
			assistant.Println(response)
		}
	}
	fmt.Println("bye")
}
