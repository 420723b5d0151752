package tools

import (
	"context"
	"fmt"

	"github.com/Anteroom/Anteroom/internal/cards"
)

// ProposeTodoTool creates an approval card in the todos silo rather than a
// todo directly: the human confirms before anything lands on a list.
type ProposeTodoTool struct {
	Queue         *cards.CardQueue
	ExpireMinutes int
}

func NewProposeTodoTool(queue *cards.CardQueue, expireMinutes int) *ProposeTodoTool {
	if expireMinutes <= 0 {
		expireMinutes = 1440
	}
	return &ProposeTodoTool{Queue: queue, ExpireMinutes: expireMinutes}
}

func (t *ProposeTodoTool) Name() string   { return "propose_todo" }
func (t *ProposeTodoTool) Domain() string { return "todos" }

func (t *ProposeTodoTool) Description() string {
	return "Propose a to-do item for the user. Creates an approval card in the todos tab; the to-do is only created once the user approves."
}

func (t *ProposeTodoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{
				"type":        "string",
				"description": "Short title of the proposed to-do",
			},
			"detail": map[string]any{
				"type":        "string",
				"description": "Optional extra context for the to-do",
			},
		},
		"required": []string{"title"},
	}
}

func (t *ProposeTodoTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	title := GetString(params, "title", "")
	if title == "" {
		return "Error: title is required", nil
	}
	detail := GetString(params, "detail", "")

	card := cards.NewAction(title, detail, t.ExpireMinutes).WithSilo(cards.SiloTodos)
	t.Queue.Push(ctx, card)
	return fmt.Sprintf("Proposed to-do %q (card %s, awaiting approval)", title, card.ID), nil
}
