package pipeline

import (
	"context"
	"testing"

	"github.com/avoronova/clipline/internal/job"
)

func noProgress(float64, string) {}

func TestAnalyzer_HeuristicFallback(t *testing.T) {
	a := NewAnalyzer("") // no API key
	segments := []job.Segment{
		{Start: 0, End: 2, Text: "um"},
		{Start: 2, End: 20, Text: "And that is exactly why the whole thing collapsed overnight!"},
		{Start: 20, End: 120, Text: "long rambling section"},
	}

	scored, err := a.ScoreSegments(context.Background(), segments, noProgress)
	if err != nil {
		t.Fatalf("ScoreSegments: %v", err)
	}
	if len(scored) != len(segments) {
		t.Fatalf("expected %d segments, got %d", len(segments), len(scored))
	}
	for i, s := range scored {
		if s.Score < 0 || s.Score > 1 {
			t.Fatalf("segment %d score out of range: %v", i, s.Score)
		}
	}
	if scored[1].Score <= scored[0].Score {
		t.Fatalf("punchy mid-length segment should outscore filler: %v vs %v",
			scored[1].Score, scored[0].Score)
	}
	// input slice untouched
	if segments[1].Score != 0 {
		t.Fatal("ScoreSegments must not mutate its input")
	}
}

func TestParseScores(t *testing.T) {
	scores, err := parseScores(`[{"index":0,"score":0.9},{"index":1,"score":0.2}]`)
	if err != nil {
		t.Fatalf("parseScores: %v", err)
	}
	if len(scores) != 2 || scores[0].Score != 0.9 {
		t.Fatalf("unexpected scores: %+v", scores)
	}
}

func TestParseScores_CodeFence(t *testing.T) {
	content := "```json\n[{\"index\":0,\"score\":0.5}]\n```"
	scores, err := parseScores(content)
	if err != nil {
		t.Fatalf("parseScores with fence: %v", err)
	}
	if len(scores) != 1 || scores[0].Index != 0 {
		t.Fatalf("unexpected scores: %+v", scores)
	}
}

func TestParseScores_Garbage(t *testing.T) {
	if _, err := parseScores("I think segment 3 is the best one."); err == nil {
		t.Fatal("expected error for prose response")
	}
	if _, err := parseScores("[]"); err == nil {
		t.Fatal("expected error for empty list")
	}
}

func TestClampScore(t *testing.T) {
	if clampScore(-0.2) != 0 || clampScore(1.7) != 1 || clampScore(0.4) != 0.4 {
		t.Fatal("clampScore must bound to [0, 1]")
	}
}
