package estimate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/headcount-cli/internal/model"
	"github.com/sells-group/headcount-cli/pkg/anthropic"
)

func TestLoadRangePolicy(t *testing.T) {
	t.Parallel()

	p, err := LoadRangePolicy("testdata/ranges.yaml")
	require.NoError(t, err)

	assert.Equal(t, Bounds{Max: 400000}, p.For("singapore"))
	assert.Equal(t, Bounds{Max: 250000}, p.For(" New Zealand "))
	assert.Equal(t, Bounds{Min: 5, Max: 2000000}, p.For("India"))
	assert.Equal(t, Bounds{Max: 2000000}, p.For("Fiji"))
}

func TestLoadRangePolicy_Errors(t *testing.T) {
	t.Parallel()

	_, err := LoadRangePolicy("testdata/missing.yaml")
	assert.Error(t, err)
}

func TestRangeReviewer(t *testing.T) {
	t.Parallel()

	rv := NewRangeReviewer(&RangePolicy{
		Default: Bounds{Min: 10, Max: 1000},
		Regions: map[string]Bounds{"japan": {Max: 5000}},
	})
	ctx := context.Background()

	in := model.Succeeded("Acme", 500, model.ConfidenceHigh, "ev", "claude")
	out, err := rv.Review(ctx, model.EntityQuery{Name: "Acme", Region: "Fiji"}, in, "")
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out, err = rv.Review(ctx, model.EntityQuery{Name: "Acme", Region: "Japan"}, model.Succeeded("Acme", 9000, model.ConfidenceHigh, "ev", "claude"), "")
	require.NoError(t, err)
	assert.Equal(t, 5000, *out.Count)
	assert.Equal(t, model.ConfidenceLow, out.Confidence)
	assert.Equal(t, []string{"claude", "review:range:clamped 9000->5000"}, out.Sources)
	assert.True(t, out.Adjusted())

	out, err = rv.Review(ctx, model.EntityQuery{Name: "Acme", Region: "Fiji"}, model.Succeeded("Acme", 3, model.ConfidenceMedium, "ev"), "")
	require.NoError(t, err)
	assert.Equal(t, 10, *out.Count)

	nodata := model.Failed("Acme", model.StatusNoData, ExplainNoData)
	out, err = rv.Review(ctx, model.EntityQuery{Name: "Acme"}, nodata, "")
	require.NoError(t, err)
	assert.Equal(t, nodata, out)
}

func TestRangeReviewer_DefaultPolicyKeepsZero(t *testing.T) {
	t.Parallel()

	rv := NewRangeReviewer(DefaultRangePolicy())
	in := model.Succeeded("Dormant Holdings", 0, model.ConfidenceMedium, "registry filing", "claude")
	out, err := rv.Review(context.Background(), model.EntityQuery{Name: "Dormant Holdings", Region: "Singapore"}, in, "")
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, 0, *out.Count)
	assert.False(t, out.Adjusted())

	out, err = rv.Review(context.Background(), model.EntityQuery{Name: "Acme", Region: "Singapore"},
		model.Succeeded("Acme", 5_000_000, model.ConfidenceHigh, "ev", "claude"), "")
	require.NoError(t, err)
	assert.Equal(t, 3_000_000, *out.Count)
}

func TestAdjust_DoesNotAliasSources(t *testing.T) {
	t.Parallel()

	sources := make([]string, 1, 4)
	sources[0] = "claude"
	in := model.Succeeded("Acme", 1, model.ConfidenceHigh, "", sources...)

	a := adjust(in, 2, model.ConfidenceHigh, "review:a")
	b := adjust(in, 3, model.ConfidenceHigh, "review:b")
	assert.Equal(t, []string{"claude", "review:a"}, a.Sources)
	assert.Equal(t, []string{"claude", "review:b"}, b.Sources)
	assert.Equal(t, []string{"claude"}, in.Sources)
}

type mockClaude struct{ mock.Mock }

func (m *mockClaude) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*anthropic.MessageResponse)
	return resp, args.Error(1)
}

func textResponse(s string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: s}}}
}

func TestLLMReviewer(t *testing.T) {
	t.Parallel()

	q := model.EntityQuery{Name: "Acme", Region: "Singapore"}
	first := model.Succeeded("Acme", 250, model.ConfidenceHigh, "ev", "claude")

	tests := []struct {
		name    string
		reply   string
		count   int
		conf    model.Confidence
		marker  string
		wantErr bool
	}{
		{name: "agrees", reply: "Count: 250\nConfidence: HIGH", count: 250, conf: model.ConfidenceHigh},
		{name: "agrees with less confidence", reply: "Count: 250\nConfidence: LOW", count: 250, conf: model.ConfidenceLow, marker: "review:llm:claude-sonnet:confidence"},
		{name: "changes count", reply: "Count: 300\nConfidence: MEDIUM", count: 300, conf: model.ConfidenceMedium, marker: "review:llm:claude-sonnet:250->300"},
		{name: "disputes", reply: "Count: Unknown", count: 250, conf: model.ConfidenceLow, marker: "review:llm:claude-sonnet:disputed"},
		{name: "unreadable", reply: "no idea", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := new(mockClaude)
			client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
				return req.Model == "claude-sonnet" && len(req.Messages) == 1
			})).Return(textResponse(tt.reply), nil)

			out, err := NewLLMReviewer(client, "claude-sonnet", 0, nil).Review(context.Background(), q, first, "ev")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.count, *out.Count)
			assert.Equal(t, tt.conf, out.Confidence)
			if tt.marker == "" {
				assert.False(t, out.Adjusted())
			} else {
				assert.Contains(t, out.Sources, tt.marker)
			}
		})
	}
}

func TestLLMReviewer_ClientError(t *testing.T) {
	t.Parallel()

	client := new(mockClaude)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("overloaded"))

	_, err := NewLLMReviewer(client, "m", 0, nil).Review(context.Background(),
		model.EntityQuery{Name: "Acme"}, model.Succeeded("Acme", 1, model.ConfidenceLow, ""), "")
	assert.Error(t, err)
}

func TestChain_SkipsFailingReviewer(t *testing.T) {
	t.Parallel()

	clamp := NewRangeReviewer(&RangePolicy{Default: Bounds{Max: 100}})
	chain := Chain{stubReviewer{err: errors.New("boom")}, clamp}

	out, err := chain.Review(context.Background(), model.EntityQuery{Name: "Acme"},
		model.Succeeded("Acme", 500, model.ConfidenceMedium, ""), "")
	require.NoError(t, err)
	assert.Equal(t, 100, *out.Count)
}
