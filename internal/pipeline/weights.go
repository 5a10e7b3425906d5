package pipeline

import (
	"log/slog"

	"github.com/avoronova/clipline/internal/job"
)

// DefaultWeights is the relative share each stage contributes to overall job
// progress. The exact numbers are tunable; only monotonicity matters.
var DefaultWeights = map[job.Stage]float64{
	job.StageDownloading:     25,
	job.StageExtractingAudio: 15,
	job.StageTranscribing:    20,
	job.StageAnalyzing:       15,
	job.StageGeneratingClips: 20,
	job.StageFinalizing:      5,
}

// MergeWeights layers operator-supplied overrides on top of DefaultWeights.
// Entries that do not name a known stage are ignored with a warning. Returns
// nil when there is nothing to override, so callers fall back to the defaults.
func MergeWeights(overrides map[string]float64) map[job.Stage]float64 {
	if len(overrides) == 0 {
		return nil
	}
	merged := make(map[job.Stage]float64, len(DefaultWeights))
	for s, w := range DefaultWeights {
		merged[s] = w
	}
	for name, w := range overrides {
		s := job.Stage(name)
		if _, ok := merged[s]; !ok {
			slog.Warn("unknown stage in weight override, ignoring", "stage", name)
			continue
		}
		merged[s] = w
	}
	return merged
}

// Plan maps a job type's stage list onto the 0-100 progress scale. Each
// stage owns a contiguous span; overall progress within a stage is
// base + fraction * span, which keeps progress monotonic even when a late
// stage finishes faster than an earlier one.
type Plan struct {
	Stages []job.Stage
	bases  map[job.Stage]float64
	spans  map[job.Stage]float64
}

// PlanFor builds the progress plan for a job type. Weights of stages the
// type skips are excluded and the remainder is rescaled to sum to 100.
func PlanFor(t job.Type, weights map[job.Stage]float64) Plan {
	if weights == nil {
		weights = DefaultWeights
	}

	stages := job.StagesFor(t)
	effective := make([]float64, len(stages))
	total := 0.0
	for i, s := range stages {
		w := weights[s]
		if w <= 0 {
			w = 1 // unweighted stages still get a sliver of the bar
		}
		effective[i] = w
		total += w
	}

	p := Plan{
		Stages: stages,
		bases:  make(map[job.Stage]float64, len(stages)),
		spans:  make(map[job.Stage]float64, len(stages)),
	}

	base := 0.0
	for i, s := range stages {
		span := effective[i] / total * 100
		p.bases[s] = base
		p.spans[s] = span
		base += span
	}
	return p
}

// Progress converts a within-stage fraction into overall job progress.
// Fractions are clamped to [0, 1].
func (p Plan) Progress(stage job.Stage, fraction float64) float64 {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return p.bases[stage] + fraction*p.spans[stage]
}

// Base returns the progress value at a stage's entry point.
func (p Plan) Base(stage job.Stage) float64 {
	return p.bases[stage]
}
