package backend

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/headcount-cli/internal/cost"
	"github.com/sells-group/headcount-cli/internal/resilience"
	"github.com/sells-group/headcount-cli/pkg/anthropic"
)

// Anthropic queries a Claude model. A primary and a cheaper fallback model
// are two Anthropic backends with different names.
type Anthropic struct {
	name      string
	client    anthropic.Client
	model     string
	maxTokens int64
	calc      *cost.Calculator
}

// NewAnthropic returns a Claude backend.
func NewAnthropic(name string, client anthropic.Client, model string, maxTokens int64, calc *cost.Calculator) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &Anthropic{name: name, client: client, model: model, maxTokens: maxTokens, calc: calc}
}

func (a *Anthropic) Name() string { return a.name }

func (a *Anthropic) Query(ctx context.Context, entity, region string) (Response, error) {
	temp := 0.0
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      anthropic.CachedSystem(systemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: userPrompt(entity, region)}},
		Temperature: &temp,
	})
	if err != nil {
		return Response{}, resilience.NewBackendError(a.name, anthropic.StatusCode(err), err)
	}

	text := resp.Text()
	if text == "" {
		return Response{}, &resilience.BackendError{
			Backend: a.name,
			Kind:    resilience.KindTransient,
			Err:     eris.Errorf("anthropic: empty response (stop_reason %s)", resp.StopReason),
		}
	}

	return Response{
		Backend:  a.name,
		Raw:      text,
		Evidence: evidenceOf(text),
		Sources:  []string{a.name + ":" + a.model},
		CostUSD: a.calc.Claude(a.model, cost.Usage{
			Input:      resp.Usage.InputTokens,
			Output:     resp.Usage.OutputTokens,
			CacheWrite: resp.Usage.CacheCreationInputTokens,
			CacheRead:  resp.Usage.CacheReadInputTokens,
		}),
	}, nil
}
