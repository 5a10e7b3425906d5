package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/avoronova/clipline/internal/job"
	"github.com/avoronova/clipline/internal/storage"
)

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// MediaExecutor runs pipeline stages against external media tooling: yt-dlp
// for download, ffmpeg for audio and clip cutting, whisper for
// transcription, and the analyzer for highlight scoring.
type MediaExecutor struct {
	outputDir    string
	whisperModel string
	whisperPath  string
	ytdlpPath    string
	ffmpegPath   string
	runner       commandRunner
	analyzer     *Analyzer
	storage      storage.Storage
}

func NewMediaExecutor(outputDir, whisperModel string, analyzer *Analyzer, st storage.Storage) *MediaExecutor {
	return &MediaExecutor{
		outputDir:    outputDir,
		whisperModel: whisperModel,
		whisperPath:  "whisper",
		ytdlpPath:    "yt-dlp",
		ffmpegPath:   "ffmpeg",
		runner:       &execRunner{},
		analyzer:     analyzer,
		storage:      st,
	}
}

func (m *MediaExecutor) RunStage(ctx context.Context, stage job.Stage, j *job.Job, onProgress ProgressFunc) (job.Result, error) {
	jobDir := filepath.Join(m.outputDir, j.ID.String())
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return j.Result, fmt.Errorf("failed to create job directory: %w", err)
	}

	switch stage {
	case job.StageDownloading:
		return m.download(ctx, j, jobDir, onProgress)
	case job.StageExtractingAudio:
		return m.extractAudio(ctx, j, jobDir, onProgress)
	case job.StageTranscribing:
		return m.transcribe(ctx, j, jobDir, onProgress)
	case job.StageAnalyzing:
		return m.analyze(ctx, j, onProgress)
	case job.StageGeneratingClips:
		return m.generateClips(ctx, j, jobDir, onProgress)
	case job.StageFinalizing:
		return m.finalize(ctx, j, onProgress)
	default:
		return j.Result, fmt.Errorf("unknown stage: %s", stage)
	}
}

type videoMetadata struct {
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
}

func (m *MediaExecutor) download(ctx context.Context, j *job.Job, jobDir string, onProgress ProgressFunc) (job.Result, error) {
	result := j.Result

	out, err := m.runner.Run(ctx, m.ytdlpPath, "--dump-json", "--no-download", j.Input.SourceURL)
	if err != nil {
		return result, fmt.Errorf("failed to fetch video metadata: %s", commandFailure(out, err))
	}

	var meta videoMetadata
	if err := json.Unmarshal([]byte(out.Stdout), &meta); err != nil {
		return result, fmt.Errorf("failed to parse video metadata: %w", err)
	}
	result.VideoTitle = meta.Title
	result.VideoDuration = meta.Duration
	onProgress(0.2, fmt.Sprintf("fetched metadata: %s", meta.Title))

	videoPath := filepath.Join(jobDir, "source.mp4")
	out, err = m.runner.Run(ctx, m.ytdlpPath,
		"-f", "mp4/bestvideo*+bestaudio/best",
		"--no-playlist",
		"-o", videoPath,
		j.Input.SourceURL,
	)
	if err != nil {
		return result, fmt.Errorf("failed to download video: %s", commandFailure(out, err))
	}

	result.VideoPath = videoPath
	onProgress(1, "video downloaded")
	return result, nil
}

func (m *MediaExecutor) extractAudio(ctx context.Context, j *job.Job, jobDir string, onProgress ProgressFunc) (job.Result, error) {
	result := j.Result
	if result.VideoPath == "" {
		return result, errors.New("no video artifact from download stage")
	}

	format := j.Input.Options.AudioFormat
	if format == "" {
		format = "wav"
	}
	sampleRate := j.Input.Options.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}

	audioPath := filepath.Join(jobDir, "audio."+format)
	out, err := m.runner.Run(ctx, m.ffmpegPath,
		"-y",
		"-i", result.VideoPath,
		"-vn",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-ac", "1",
		audioPath,
	)
	if err != nil {
		return result, fmt.Errorf("failed to extract audio: %s", commandFailure(out, err))
	}

	mtype, err := mimetype.DetectFile(audioPath)
	if err != nil {
		return result, fmt.Errorf("failed to inspect audio file: %w", err)
	}
	if !strings.HasPrefix(mtype.String(), "audio/") {
		return result, fmt.Errorf("extracted file is not audio: %s", mtype.String())
	}

	result.AudioPath = audioPath
	onProgress(1, "audio extracted")
	return result, nil
}

type whisperOutput struct {
	Text     string `json:"text"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (m *MediaExecutor) transcribe(ctx context.Context, j *job.Job, jobDir string, onProgress ProgressFunc) (job.Result, error) {
	result := j.Result
	if result.AudioPath == "" {
		return result, errors.New("no audio artifact from extraction stage")
	}

	language := j.Input.Options.Language
	if language == "" {
		language = "en"
	}

	args := []string{
		result.AudioPath,
		"--model", m.whisperModel,
		"--language", language,
		"--output_format", "json",
		"--output_dir", jobDir,
	}
	out, err := m.runner.Run(ctx, m.whisperPath, args...)
	if err != nil {
		return result, fmt.Errorf("failed to transcribe audio: %s", commandFailure(out, err))
	}
	onProgress(0.9, "transcription finished, parsing output")

	base := strings.TrimSuffix(filepath.Base(result.AudioPath), filepath.Ext(result.AudioPath))
	transcriptPath := filepath.Join(jobDir, base+".json")
	data, err := os.ReadFile(transcriptPath)
	if err != nil {
		return result, fmt.Errorf("failed to read transcript output: %w", err)
	}

	var parsed whisperOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return result, fmt.Errorf("failed to parse transcript: %w", err)
	}

	result.Transcript = strings.TrimSpace(parsed.Text)
	result.Segments = result.Segments[:0]
	for _, seg := range parsed.Segments {
		result.Segments = append(result.Segments, job.Segment{
			Start: seg.Start,
			End:   seg.End,
			Text:  strings.TrimSpace(seg.Text),
		})
	}

	onProgress(1, fmt.Sprintf("transcribed %d segments", len(result.Segments)))
	return result, nil
}

func (m *MediaExecutor) analyze(ctx context.Context, j *job.Job, onProgress ProgressFunc) (job.Result, error) {
	result := j.Result
	if len(result.Segments) == 0 {
		return result, errors.New("no transcript segments to analyze")
	}

	scored, err := m.analyzer.ScoreSegments(ctx, result.Segments, onProgress)
	if err != nil {
		return result, fmt.Errorf("failed to score segments: %w", err)
	}
	result.Segments = scored

	top := topSegments(scored, 3)
	result.Analysis = map[string]any{
		"segment_count": len(scored),
		"top_scores":    top,
	}
	onProgress(1, "analysis complete")
	return result, nil
}

func (m *MediaExecutor) generateClips(ctx context.Context, j *job.Job, jobDir string, onProgress ProgressFunc) (job.Result, error) {
	result := j.Result
	if result.VideoPath == "" {
		return result, errors.New("no video artifact to cut clips from")
	}
	if len(result.Segments) == 0 {
		return result, errors.New("no segments to generate clips from")
	}

	maxClips := j.Input.Options.MaxClips
	if maxClips == 0 {
		maxClips = 5
	}

	candidates := append([]job.Segment(nil), result.Segments...)
	sort.SliceStable(candidates, func(i, k int) bool {
		return candidates[i].Score > candidates[k].Score
	})
	if len(candidates) > maxClips {
		candidates = candidates[:maxClips]
	}
	// cut in chronological order
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].Start < candidates[k].Start
	})

	result.Clips = result.Clips[:0]
	for i, seg := range candidates {
		clipPath := filepath.Join(jobDir, fmt.Sprintf("clip_%02d.mp4", i+1))
		args := []string{
			"-y",
			"-ss", formatSeconds(seg.Start),
			"-to", formatSeconds(seg.End),
			"-i", result.VideoPath,
		}
		args = append(args, clipEncodingArgs(j.Input.Options.ClipQuality)...)
		args = append(args, clipPath)

		out, err := m.runner.Run(ctx, m.ffmpegPath, args...)
		if err != nil {
			return result, fmt.Errorf("failed to cut clip %d: %s", i+1, commandFailure(out, err))
		}

		result.Clips = append(result.Clips, job.ClipMeta{
			Title:     clipTitle(seg),
			StartTime: seg.Start,
			EndTime:   seg.End,
			Score:     seg.Score,
			FilePath:  clipPath,
		})
		onProgress(float64(i+1)/float64(len(candidates)), fmt.Sprintf("generated clip %d/%d", i+1, len(candidates)))
	}

	return result, nil
}

func (m *MediaExecutor) finalize(ctx context.Context, j *job.Job, onProgress ProgressFunc) (job.Result, error) {
	result := j.Result
	jobID := j.ID.String()

	uploads := len(result.Clips)
	if result.Transcript != "" {
		uploads++
	}
	done := 0

	result.OutputFiles = result.OutputFiles[:0]
	for i := range result.Clips {
		clip := &result.Clips[i]
		if clip.FilePath == "" {
			continue
		}
		f, err := os.Open(clip.FilePath)
		if err != nil {
			return result, fmt.Errorf("failed to open clip for upload: %w", err)
		}
		up, err := m.storage.UploadArtifact(ctx, jobID, filepath.Base(clip.FilePath), f, "video/mp4")
		f.Close()
		if err != nil {
			return result, fmt.Errorf("failed to store clip: %w", err)
		}
		clip.URL = up.URL
		result.OutputFiles = append(result.OutputFiles, up.Key)
		done++
		onProgress(float64(done)/float64(uploads), fmt.Sprintf("stored clip %d/%d", done, len(result.Clips)))
	}

	if result.Transcript != "" {
		up, err := m.storage.UploadArtifact(ctx, jobID, "transcript.txt",
			strings.NewReader(result.Transcript), "text/plain")
		if err != nil {
			return result, fmt.Errorf("failed to store transcript: %w", err)
		}
		result.OutputFiles = append(result.OutputFiles, up.Key)
	}

	slog.Info("artifacts finalized", "job_id", jobID, "files", len(result.OutputFiles))
	onProgress(1, "artifacts stored")
	return result, nil
}

func topSegments(segments []job.Segment, n int) []float64 {
	scores := make([]float64, 0, len(segments))
	for _, s := range segments {
		scores = append(scores, s.Score)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	if len(scores) > n {
		scores = scores[:n]
	}
	return scores
}

func clipEncodingArgs(quality string) []string {
	switch quality {
	case "low":
		return []string{"-c:v", "libx264", "-preset", "veryfast", "-crf", "30", "-c:a", "aac"}
	case "high":
		return []string{"-c:v", "libx264", "-preset", "slow", "-crf", "18", "-c:a", "aac"}
	default:
		return []string{"-c:v", "libx264", "-preset", "medium", "-crf", "23", "-c:a", "aac"}
	}
}

func clipTitle(seg job.Segment) string {
	title := strings.TrimSpace(seg.Text)
	if len(title) > 60 {
		title = title[:57] + "..."
	}
	return title
}

func formatSeconds(s float64) string {
	return fmt.Sprintf("%.3f", s)
}

func commandFailure(out commandResult, err error) string {
	stderr := strings.TrimSpace(out.Stderr)
	if stderr == "" {
		return err.Error()
	}
	if len(stderr) > 400 {
		stderr = stderr[len(stderr)-400:]
	}
	return fmt.Sprintf("%v: %s", err, stderr)
}
