package model

import "strings"

// Confidence grades how much an estimate can be trusted.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
	ConfidenceNone   Confidence = "NONE"
)

// rank orders confidences so they can be compared; unknown values rank as NONE.
func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// Less reports whether c is strictly weaker than other.
func (c Confidence) Less(other Confidence) bool {
	return c.rank() < other.rank()
}

// MinConfidence returns the weaker of a and b.
func MinConfidence(a, b Confidence) Confidence {
	if b.Less(a) {
		return b
	}
	return a
}

// ParseConfidence maps free text ("high", " Medium ") to a Confidence.
// The second return value is false when the text names no known grade.
func ParseConfidence(s string) (Confidence, bool) {
	switch Confidence(strings.ToUpper(strings.TrimSpace(s))) {
	case ConfidenceHigh:
		return ConfidenceHigh, true
	case ConfidenceMedium:
		return ConfidenceMedium, true
	case ConfidenceLow:
		return ConfidenceLow, true
	case ConfidenceNone:
		return ConfidenceNone, true
	default:
		return "", false
	}
}

// EstimateStatus is the terminal outcome of resolving one entity.
type EstimateStatus string

const (
	StatusSuccess     EstimateStatus = "SUCCESS"
	StatusNoData      EstimateStatus = "NO_DATA"
	StatusError       EstimateStatus = "ERROR"
	StatusRateLimited EstimateStatus = "RATE_LIMITED"
)

// EntityQuery is one input unit: an entity to estimate within a region.
type EntityQuery struct {
	Name   string `json:"name"`
	Region string `json:"region"`
}

// EstimateResult is the outcome of resolving one EntityQuery.
// Count is nil unless Status is StatusSuccess.
type EstimateResult struct {
	Entity      string         `json:"entity"`
	Count       *int           `json:"count"`
	Confidence  Confidence     `json:"confidence"`
	Sources     []string       `json:"sources"`
	Explanation string         `json:"explanation"`
	Status      EstimateStatus `json:"status"`
}

// Failed builds a non-success result. Count is always nil and confidence NONE.
func Failed(entity string, status EstimateStatus, explanation string, sources ...string) EstimateResult {
	return EstimateResult{
		Entity:      entity,
		Confidence:  ConfidenceNone,
		Sources:     sources,
		Explanation: explanation,
		Status:      status,
	}
}

// Succeeded builds a SUCCESS result. A NONE confidence is lifted to LOW so
// that a successful result never carries NONE.
func Succeeded(entity string, count int, confidence Confidence, explanation string, sources ...string) EstimateResult {
	if confidence == ConfidenceNone || confidence == "" {
		confidence = ConfidenceLow
	}
	c := count
	return EstimateResult{
		Entity:      entity,
		Count:       &c,
		Confidence:  confidence,
		Sources:     sources,
		Explanation: explanation,
		Status:      StatusSuccess,
	}
}

// Adjusted reports whether a reviewer changed this result.
func (r EstimateResult) Adjusted() bool {
	for _, s := range r.Sources {
		if strings.HasPrefix(s, ReviewMarkerPrefix) {
			return true
		}
	}
	return false
}

// Valid checks the result invariants: count present iff SUCCESS, and a
// SUCCESS never carries NONE confidence.
func (r EstimateResult) Valid() bool {
	if r.Status == StatusSuccess {
		return r.Count != nil && r.Confidence != ConfidenceNone && r.Confidence != ""
	}
	return r.Count == nil
}

// ReviewMarkerPrefix starts every audit marker a reviewer appends to Sources.
const ReviewMarkerPrefix = "review:"
