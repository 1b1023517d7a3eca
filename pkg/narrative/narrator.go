package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/impact"
)

const defaultModel = "claude-sonnet-4-5"

const systemPrompt = `You are a network change analyst. For each dependency
path you are given, write one short sentence explaining what breaks for the
business if the change disrupts that path. Answer with a JSON array of
strings, one per path, in order. No markdown, no extra keys.`

// Narrator enriches critical paths with model-written reasoning. The risk
// score and the canonical impact snapshot are computed before narration runs,
// so nothing here can change a decision; it only helps approvers read one.
type Narrator struct {
	client anthropic.Client
	model  anthropic.Model
	logger *slog.Logger
}

// Option customizes a Narrator.
type Option func(*Narrator)

// WithModel overrides the default model id.
func WithModel(model string) Option {
	return func(n *Narrator) { n.model = anthropic.Model(model) }
}

// New builds a Narrator. The API key comes from the environment unless an
// explicit one is given.
func New(apiKey string, logger *slog.Logger, opts ...Option) *Narrator {
	if logger == nil {
		logger = slog.Default()
	}
	var copts []option.RequestOption
	if apiKey != "" {
		copts = append(copts, option.WithAPIKey(apiKey))
	}
	n := &Narrator{
		client: anthropic.NewClient(copts...),
		model:  anthropic.Model(defaultModel),
		logger: logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Annotate fills the Reasoning field of each critical path.
func (n *Narrator) Annotate(ctx context.Context, c *change.Change, snap *impact.Snapshot) error {
	if len(snap.CriticalPaths) == 0 {
		return nil
	}

	msg, err := n.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     n.model,
		MaxTokens: 1024,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(c, snap))),
		},
	})
	if err != nil {
		return fmt.Errorf("narrate change %s: %w", c.ID, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	var lines []string
	if err := json.Unmarshal([]byte(text.String()), &lines); err != nil {
		return fmt.Errorf("narrate change %s: unexpected reply shape: %w", c.ID, err)
	}
	for i := range snap.CriticalPaths {
		if i < len(lines) {
			snap.CriticalPaths[i].Reasoning = lines[i]
		}
	}
	n.logger.Debug("critical paths narrated", "change_id", c.ID, "paths", len(lines))
	return nil
}

func buildPrompt(c *change.Change, snap *impact.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Change: %s (%s %s) in %s targeting %s.\n\nPaths:\n",
		c.Title, c.ChangeType, c.Action, c.Environment, strings.Join(c.TargetComponents, ", "))
	for i, p := range snap.CriticalPaths {
		fmt.Fprintf(&b, "%d. [%s, %d hops] %s via %s\n",
			i+1, p.Criticality, p.Hops, strings.Join(p.Nodes, " -> "), strings.Join(p.Edges, ", "))
	}
	return b.String()
}

// Static is an offline fallback that writes a templated sentence per path.
// Used when no API key is configured so approvers still get a plain-language
// line next to each path.
type Static struct{}

func (Static) Annotate(ctx context.Context, c *change.Change, snap *impact.Snapshot) error {
	for i := range snap.CriticalPaths {
		p := &snap.CriticalPaths[i]
		if len(p.Nodes) == 0 {
			continue
		}
		p.Reasoning = fmt.Sprintf("%s on %s reaches %s-criticality endpoint %s in %d hop(s)",
			c.Action, strings.Join(c.TargetComponents, ", "), p.Criticality,
			p.Nodes[len(p.Nodes)-1], p.Hops)
	}
	return nil
}
