package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/avoronova/clipline/internal/job"
)

const scoringSystemPrompt = "You are a short-form video editor reviewing a transcript of a long video. " +
	"You will receive numbered transcript segments with timestamps. " +
	"Score each segment from 0.0 to 1.0 by how well it would work as a standalone clip: " +
	"self-contained thoughts, strong hooks, emotional peaks and punchlines score high; " +
	"filler, transitions and incomplete sentences score low. " +
	"Respond with a JSON array of objects {\"index\": <segment number>, \"score\": <0.0-1.0>} and nothing else."

// Analyzer scores transcript segments by clip-worthiness. With no API key
// configured it falls back to a local heuristic so the pipeline still
// completes.
type Analyzer struct {
	openAI *openai.Client
	model  string
}

func NewAnalyzer(apiKey string) *Analyzer {
	a := &Analyzer{model: openai.GPT4oMini}
	if apiKey != "" {
		a.openAI = openai.NewClient(apiKey)
	}
	return a
}

func (a *Analyzer) ScoreSegments(ctx context.Context, segments []job.Segment, onProgress ProgressFunc) ([]job.Segment, error) {
	if a.openAI == nil {
		slog.Info("no analyzer API key configured, using heuristic scoring", "segments", len(segments))
		return heuristicScores(segments), nil
	}

	var sb strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&sb, "%d. [%.1fs - %.1fs] %s\n", i, seg.Start, seg.End, seg.Text)
	}
	onProgress(0.2, "scoring transcript segments")

	resp, err := a.openAI.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: scoringSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: sb.String()},
		},
		MaxTokens: 2000,
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from OpenAI")
	}

	slog.Info("received segment scores",
		"model", resp.Model,
		"tokens_used", resp.Usage.TotalTokens,
		"segments", len(segments))

	scores, err := parseScores(resp.Choices[0].Message.Content)
	if err != nil {
		slog.Warn("failed to parse model scores, falling back to heuristic", "error", err)
		return heuristicScores(segments), nil
	}

	scored := append([]job.Segment(nil), segments...)
	for _, s := range scores {
		if s.Index < 0 || s.Index >= len(scored) {
			continue
		}
		scored[s.Index].Score = clampScore(s.Score)
	}
	onProgress(0.9, "segment scores applied")
	return scored, nil
}

type segmentScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

func parseScores(content string) ([]segmentScore, error) {
	content = strings.TrimSpace(content)
	// models sometimes wrap the array in a markdown code fence
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}

	var scores []segmentScore
	if err := json.Unmarshal([]byte(content), &scores); err != nil {
		return nil, fmt.Errorf("failed to parse scores: %w", err)
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("empty score list")
	}
	return scores, nil
}

// heuristicScores favors mid-length segments with emphatic text. It is a
// deliberately simple stand-in, not a quality bar.
func heuristicScores(segments []job.Segment) []job.Segment {
	scored := append([]job.Segment(nil), segments...)
	for i := range scored {
		seg := &scored[i]
		duration := seg.End - seg.Start

		score := 0.3
		if duration >= 5 && duration <= 45 {
			score += 0.3
		}
		words := len(strings.Fields(seg.Text))
		if words >= 8 {
			score += 0.2
		}
		if strings.ContainsAny(seg.Text, "!?") {
			score += 0.2
		}
		seg.Score = clampScore(score)
	}
	return scored
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
