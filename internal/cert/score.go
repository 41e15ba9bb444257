package cert

import (
	"strconv"
	"time"

	"github.com/orchard-run/orchard/internal/tasks"
)

// ScoreRule maps one evidence type to a weighted score dimension.
type ScoreRule struct {
	Dimension    string  `yaml:"dimension" json:"dimension"`
	EvidenceType string  `yaml:"evidence_type" json:"evidence_type"`
	Weight       float64 `yaml:"weight" json:"weight"`
}

// Scorer computes deterministic scores from evidence and gate verdicts.
// The "gates" dimension (fraction of passing gates) is always present;
// configured rules add evidence-derived dimensions as weighted means.
type Scorer struct {
	rules      []ScoreRule
	gateWeight float64
}

// NewScorer creates a scorer. A zero gateWeight defaults to 1.
func NewScorer(rules []ScoreRule, gateWeight float64) *Scorer {
	if gateWeight == 0 {
		gateWeight = 1
	}
	return &Scorer{rules: rules, gateWeight: gateWeight}
}

// Compute produces the score for one attempt. Scores are computed even
// for failing attempts, for trend analysis.
func (s *Scorer) Compute(taskID string, attempt int, evs []tasks.Evidence, verdicts []Verdict) tasks.Score {
	dims := make(map[string]float64)

	passed := 0
	for _, v := range verdicts {
		if v.Pass {
			passed++
		}
	}
	gateRatio := 1.0
	if len(verdicts) > 0 {
		gateRatio = float64(passed) / float64(len(verdicts))
	}
	dims["gates"] = gateRatio
	total := gateRatio * s.gateWeight

	for _, rule := range s.rules {
		sum, n := 0.0, 0
		for _, ev := range evs {
			if ev.Type != rule.EvidenceType {
				continue
			}
			if v, err := strconv.ParseFloat(ev.Payload, 64); err == nil {
				sum += v
				n++
			}
		}
		mean := 0.0
		if n > 0 {
			mean = sum / float64(n)
		}
		dims[rule.Dimension] = mean
		total += mean * rule.Weight
	}

	return tasks.Score{
		TaskID:     taskID,
		Attempt:    attempt,
		Dimensions: dims,
		Total:      total,
		ComputedAt: time.Now(),
	}
}
