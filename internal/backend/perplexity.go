package backend

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/headcount-cli/internal/cost"
	"github.com/sells-group/headcount-cli/internal/resilience"
	"github.com/sells-group/headcount-cli/pkg/perplexity"
)

// Perplexity is the web-grounded secondary provider. Its citations become
// result sources.
type Perplexity struct {
	name   string
	client perplexity.Client
	calc   *cost.Calculator
}

// NewPerplexity returns a Perplexity backend.
func NewPerplexity(name string, client perplexity.Client, calc *cost.Calculator) *Perplexity {
	return &Perplexity{name: name, client: client, calc: calc}
}

func (p *Perplexity) Name() string { return p.name }

func (p *Perplexity) Query(ctx context.Context, entity, region string) (Response, error) {
	temp := 0.0
	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(entity, region)},
		},
		Temperature: &temp,
	})
	if err != nil {
		status := 0
		var se *perplexity.StatusError
		if errors.As(err, &se) {
			status = se.StatusCode
		}
		return Response{}, resilience.NewBackendError(p.name, status, err)
	}

	text := resp.Content()
	if text == "" {
		return Response{}, &resilience.BackendError{
			Backend: p.name,
			Kind:    resilience.KindTransient,
			Err:     eris.New("perplexity: empty response"),
		}
	}

	sources := append([]string{p.name}, resp.Citations...)
	return Response{
		Backend:  p.name,
		Raw:      text,
		Evidence: evidenceOf(text),
		Sources:  sources,
		CostUSD:  p.calc.PerplexityQuery(),
	}, nil
}
