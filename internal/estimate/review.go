package estimate

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/headcount-cli/internal/model"
	"github.com/sells-group/headcount-cli/pkg/anthropic"
)

// Reviewer is an optional second pass over a SUCCESS result. It may change
// the count and lower the confidence; any change appends a marker with
// model.ReviewMarkerPrefix to Sources.
type Reviewer interface {
	Review(ctx context.Context, q model.EntityQuery, r model.EstimateResult, evidence string) (model.EstimateResult, error)
}

// Bounds is an inclusive plausible headcount range. Zero means unbounded.
type Bounds struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// RangePolicy holds plausible headcount ranges, loaded from YAML:
//
//	default: {max: 2000000}
//	regions:
//	  singapore: {max: 400000}
type RangePolicy struct {
	Default Bounds            `yaml:"default"`
	Regions map[string]Bounds `yaml:"regions"`
}

// LoadRangePolicy reads a RangePolicy from a YAML file.
func LoadRangePolicy(path string) (*RangePolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "estimate: read range policy %s", path)
	}
	var p RangePolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrapf(err, "estimate: parse range policy %s", path)
	}
	norm := make(map[string]Bounds, len(p.Regions))
	for k, v := range p.Regions {
		norm[strings.ToLower(strings.TrimSpace(k))] = v
	}
	p.Regions = norm
	return &p, nil
}

// For returns the bounds for region; region fields left zero inherit the default.
func (p *RangePolicy) For(region string) Bounds {
	b := p.Default
	if rb, ok := p.Regions[strings.ToLower(strings.TrimSpace(region))]; ok {
		if rb.Min > 0 {
			b.Min = rb.Min
		}
		if rb.Max > 0 {
			b.Max = rb.Max
		}
	}
	return b
}

// RangeReviewer clamps counts that fall outside the policy and drops the
// confidence of a clamped result to LOW.
type RangeReviewer struct {
	policy *RangePolicy
}

// NewRangeReviewer returns a reviewer for the given policy.
func NewRangeReviewer(policy *RangePolicy) *RangeReviewer {
	return &RangeReviewer{policy: policy}
}

func (rv *RangeReviewer) Review(_ context.Context, q model.EntityQuery, r model.EstimateResult, _ string) (model.EstimateResult, error) {
	if r.Status != model.StatusSuccess || r.Count == nil {
		return r, nil
	}
	b := rv.policy.For(q.Region)
	count := *r.Count
	var marker string
	switch {
	case b.Max > 0 && count > b.Max:
		count, marker = b.Max, fmt.Sprintf("review:range:clamped %d->%d", *r.Count, b.Max)
	case b.Min > 0 && count < b.Min:
		count, marker = b.Min, fmt.Sprintf("review:range:clamped %d->%d", *r.Count, b.Min)
	default:
		return r, nil
	}
	return adjust(r, count, model.ConfidenceLow, marker), nil
}

const reviewSystemPrompt = `You check employee headcount estimates. Given a first-pass estimate and its
evidence, reply in exactly two lines:
Count: <your best integer estimate, or Unknown>
Confidence: <HIGH, MEDIUM or LOW>`

// LLMReviewer asks a Claude model to re-score the first-pass answer.
type LLMReviewer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	norm      Normalizer
}

// NewLLMReviewer returns a Claude-backed reviewer.
func NewLLMReviewer(client anthropic.Client, model string, maxTokens int64, norm Normalizer) *LLMReviewer {
	if maxTokens <= 0 {
		maxTokens = 128
	}
	if norm == nil {
		norm = DefaultNormalizer()
	}
	return &LLMReviewer{client: client, model: model, maxTokens: maxTokens, norm: norm}
}

func (rv *LLMReviewer) Review(ctx context.Context, q model.EntityQuery, r model.EstimateResult, evidence string) (model.EstimateResult, error) {
	if r.Status != model.StatusSuccess || r.Count == nil {
		return r, nil
	}
	if evidence == "" {
		evidence = "none given"
	}
	temp := 0.0
	resp, err := rv.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     rv.model,
		MaxTokens: rv.maxTokens,
		System:    anthropic.CachedSystem(reviewSystemPrompt),
		Messages: []anthropic.Message{{Role: "user", Content: fmt.Sprintf(
			"Company: %s\nCountry: %s\nFirst-pass estimate: %d (confidence %s)\nEvidence: %s",
			q.Name, q.Region, *r.Count, r.Confidence, evidence,
		)}},
		Temperature: &temp,
	})
	if err != nil {
		return r, eris.Wrap(err, "estimate: llm review")
	}

	n := rv.norm.Normalize(resp.Text())
	switch n.Status {
	case model.StatusSuccess:
		if n.Count == *r.Count {
			if n.Confidence.Less(r.Confidence) {
				return adjust(r, n.Count, n.Confidence, "review:llm:"+rv.model+":confidence"), nil
			}
			return r, nil
		}
		return adjust(r, n.Count, n.Confidence, fmt.Sprintf("review:llm:%s:%d->%d", rv.model, *r.Count, n.Count)), nil
	case model.StatusNoData:
		return adjust(r, *r.Count, model.ConfidenceLow, "review:llm:"+rv.model+":disputed"), nil
	default:
		return r, eris.Errorf("estimate: llm review unreadable: %q", resp.Text())
	}
}

// Chain runs reviewers in order. A failing reviewer is skipped and the
// result it was given passes on unchanged.
type Chain []Reviewer

func (c Chain) Review(ctx context.Context, q model.EntityQuery, r model.EstimateResult, evidence string) (model.EstimateResult, error) {
	cur := r
	for _, rv := range c {
		out, err := rv.Review(ctx, q, cur, evidence)
		if err != nil {
			zap.L().Warn("review pass failed, keeping previous result",
				zap.String("entity", q.Name), zap.Error(err))
			continue
		}
		cur = out
	}
	return cur, nil
}

// adjust applies a reviewer change. Confidence can only go down.
func adjust(r model.EstimateResult, count int, conf model.Confidence, marker string) model.EstimateResult {
	out := r
	c := count
	out.Count = &c
	out.Confidence = model.MinConfidence(r.Confidence, conf)
	if out.Confidence == model.ConfidenceNone || out.Confidence == "" {
		out.Confidence = model.ConfidenceLow
	}
	out.Sources = append(append([]string(nil), r.Sources...), marker)
	return out
}

// DefaultRangePolicy caps every region at 3,000,000 employees. There is no
// lower bound, so a reported headcount of zero is kept as-is.
func DefaultRangePolicy() *RangePolicy {
	return &RangePolicy{Default: Bounds{Max: 3_000_000}}
}
