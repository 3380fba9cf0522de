package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/orcabot/orcabot/internal/llm"
	"github.com/orcabot/orcabot/internal/metrics"
)

// composerTemperature runs warm so replies vary between invocations;
// the analyzer runs cool for schema fidelity.
const composerTemperature = 0.8

// ErrUnavailable is returned when composition needs an LLM and none is
// configured.
var ErrUnavailable = errors.New("pipeline: llm not configured")

// Composer renders the reply body from the plan. Stage five, and the
// only stage with a hard LLM dependency.
type Composer struct {
	llm    llm.Client
	reg    *metrics.Registry
	logger *slog.Logger
}

// Compose fills the fixed reply template and asks the model for the
// message body. The response comes back trimmed of surrounding
// whitespace, nothing else: post-processing the body is the safety
// gate's job.
func (c *Composer) Compose(ctx context.Context, conversation, searchText string, plan *Plan) (string, error) {
	if c.llm == nil {
		return "", ErrUnavailable
	}

	c.reg.Inc(metrics.LLMCalls)
	resp, err := c.llm.Chat(ctx, &llm.ChatRequest{
		System:      composerSystem,
		Messages:    []llm.Message{{Role: "user", Content: composerPrompt(conversation, searchText, plan)}},
		Temperature: composerTemperature,
	})
	if err != nil {
		c.reg.Inc(metrics.LLMErrors)
		return "", fmt.Errorf("compose reply: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
