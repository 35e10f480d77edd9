package estimate

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/headcount-cli/internal/model"
)

// Normalized is the structured reading of one raw backend answer.
type Normalized struct {
	Status     model.EstimateStatus // SUCCESS, NO_DATA or ERROR
	Count      int
	Confidence model.Confidence
}

// Normalizer turns raw backend text into a count.
type Normalizer interface {
	Normalize(raw string) Normalized
}

// DefaultDenylist holds phrases that mean the backend had no answer.
var DefaultDenylist = []string{
	"unknown",
	"no data",
	"not available",
	"n/a",
	"no information",
	"not sure",
	"cannot determine",
	"don't know",
}

var (
	// Thousands groups may use comma, apostrophe, underscore or a no-break
	// space. A plain space is not a separator: "250 in 2024" is 250.
	countPattern      = regexp.MustCompile(`\d{1,3}(?:[,'_\x{00A0}\x{202F}]\d{3})+|\d+`)
	separatorReplacer = strings.NewReplacer(",", "", "'", "", "_", "", "\u00a0", "", "\u202f", "")
	confidencePattern = regexp.MustCompile(`(?i)confidence\s*[:=-]\s*(high|medium|low)`)
)

// RuleNormalizer extracts the first number of the answer. When the answer
// carries a "Count:" line only that line is read, so an evidence sentence
// cannot leak digits or denylist words into the result.
type RuleNormalizer struct {
	Denylist []string
	// ScaleSmallBelow multiplies positive counts below this value by 1000.
	// Zero disables scaling.
	ScaleSmallBelow int
	// DefaultConfidence applies when the answer names no confidence.
	DefaultConfidence model.Confidence
}

// DefaultNormalizer returns the normalizer used unless configured otherwise.
func DefaultNormalizer() *RuleNormalizer {
	return &RuleNormalizer{
		Denylist:          DefaultDenylist,
		DefaultConfidence: model.ConfidenceMedium,
	}
}

func (n *RuleNormalizer) Normalize(raw string) Normalized {
	conf := n.DefaultConfidence
	if conf == "" {
		conf = model.ConfidenceMedium
	}
	if m := confidencePattern.FindStringSubmatch(raw); m != nil {
		if c, ok := model.ParseConfidence(m[1]); ok {
			conf = c
		}
	}

	subject := strings.ToLower(countLine(raw))
	for _, phrase := range n.Denylist {
		if phrase != "" && strings.Contains(subject, phrase) {
			return Normalized{Status: model.StatusNoData, Confidence: model.ConfidenceNone}
		}
	}

	match := countPattern.FindString(subject)
	if match == "" {
		return Normalized{Status: model.StatusError, Confidence: model.ConfidenceNone}
	}
	count, err := strconv.Atoi(separatorReplacer.Replace(match))
	if err != nil {
		return Normalized{Status: model.StatusError, Confidence: model.ConfidenceNone}
	}
	if n.ScaleSmallBelow > 0 && count > 0 && count < n.ScaleSmallBelow {
		count *= 1000
	}
	return Normalized{Status: model.StatusSuccess, Count: count, Confidence: conf}
}

// countLine returns the text after a "Count:" label, or the whole answer
// when there is none.
func countLine(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if len(line) >= 6 && strings.EqualFold(line[:6], "count:") {
			return line[6:]
		}
	}
	return raw
}
