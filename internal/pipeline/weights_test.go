package pipeline

import (
	"math"
	"testing"

	"github.com/avoronova/clipline/internal/job"
)

func TestPlanFor_FullProcessingSpansSumTo100(t *testing.T) {
	p := PlanFor(job.TypeFullProcessing, nil)

	if got := p.Progress(job.StageFinalizing, 1); math.Abs(got-100) > 1e-9 {
		t.Fatalf("expected last stage to end at 100, got %v", got)
	}
	if got := p.Progress(job.StageDownloading, 0); got != 0 {
		t.Fatalf("expected first stage to start at 0, got %v", got)
	}

	// default weights: downloading owns the first 25 points
	if got := p.Progress(job.StageDownloading, 1); math.Abs(got-25) > 1e-9 {
		t.Fatalf("expected downloading to end at 25, got %v", got)
	}
	if got := p.Base(job.StageExtractingAudio); math.Abs(got-25) > 1e-9 {
		t.Fatalf("expected extracting_audio to start at 25, got %v", got)
	}
}

func TestPlanFor_SkippedStagesRescale(t *testing.T) {
	// audio_extraction runs downloading, extracting_audio, finalizing:
	// weights 25 + 15 + 5 = 45 rescaled to 100
	p := PlanFor(job.TypeAudioExtraction, nil)

	if len(p.Stages) != 3 {
		t.Fatalf("expected 3 stages, got %v", p.Stages)
	}
	if got := p.Progress(job.StageDownloading, 1); math.Abs(got-25.0/45*100) > 1e-9 {
		t.Fatalf("expected rescaled downloading span, got %v", got)
	}
	if got := p.Progress(job.StageFinalizing, 1); math.Abs(got-100) > 1e-9 {
		t.Fatalf("expected plan to end at 100, got %v", got)
	}
}

func TestPlanProgress_MonotonicAcrossStages(t *testing.T) {
	p := PlanFor(job.TypeFullProcessing, nil)

	last := -1.0
	for _, stage := range p.Stages {
		for _, f := range []float64{0, 0.25, 0.5, 0.75, 1} {
			got := p.Progress(stage, f)
			if got < last {
				t.Fatalf("progress went backwards at %s f=%v: %v < %v", stage, f, got, last)
			}
			last = got
		}
	}
}

func TestPlanProgress_ClampsFraction(t *testing.T) {
	p := PlanFor(job.TypeFullProcessing, nil)

	if got := p.Progress(job.StageDownloading, -0.5); got != 0 {
		t.Fatalf("expected clamp to stage base, got %v", got)
	}
	if got := p.Progress(job.StageDownloading, 1.5); math.Abs(got-25) > 1e-9 {
		t.Fatalf("expected clamp to stage end, got %v", got)
	}
}

func TestMergeWeights(t *testing.T) {
	if got := MergeWeights(nil); got != nil {
		t.Fatalf("expected nil for empty overrides, got %v", got)
	}

	merged := MergeWeights(map[string]float64{
		"downloading": 40,
		"not_a_stage": 99,
	})
	if got := merged[job.StageDownloading]; got != 40 {
		t.Fatalf("expected override applied, got %v", got)
	}
	if got := merged[job.StageTranscribing]; got != DefaultWeights[job.StageTranscribing] {
		t.Fatalf("expected untouched stage to keep default, got %v", got)
	}
	if _, ok := merged[job.Stage("not_a_stage")]; ok {
		t.Fatal("unknown stage name must be dropped")
	}
}

func TestPlanFor_UnknownWeightGetsSliver(t *testing.T) {
	weights := map[job.Stage]float64{
		job.StageDownloading: 10,
		// everything else unset
	}
	p := PlanFor(job.TypeAudioExtraction, weights)
	if got := p.Progress(job.StageFinalizing, 1); math.Abs(got-100) > 1e-9 {
		t.Fatalf("plan must still end at 100, got %v", got)
	}
	if span := p.Progress(job.StageExtractingAudio, 1) - p.Base(job.StageExtractingAudio); span <= 0 {
		t.Fatalf("unweighted stage must still own a span, got %v", span)
	}
}
