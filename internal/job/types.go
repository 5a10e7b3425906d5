package job

import (
	"time"

	uuid "github.com/google/uuid"
)

// Type selects which slice of the pipeline a job runs.
type Type string

const (
	TypeFullProcessing  Type = "full_processing"
	TypeAudioExtraction Type = "audio_extraction"
	TypeTranscription   Type = "transcription"
	TypeAnalysis        Type = "analysis"
	TypeClipGeneration  Type = "clip_generation"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Stage is one discrete pipeline step, executed via the pipeline executor.
type Stage string

const (
	StageDownloading     Stage = "downloading"
	StageExtractingAudio Stage = "extracting_audio"
	StageTranscribing    Stage = "transcribing"
	StageAnalyzing       Stage = "analyzing"
	StageGeneratingClips Stage = "generating_clips"
	StageFinalizing      Stage = "finalizing"
)

const (
	MinPriority = 0
	MaxPriority = 10
)

// Input is what a client submits: a source reference plus validated options.
type Input struct {
	SourceURL string  `json:"source_url"`
	Type      Type    `json:"job_type"`
	Options   Options `json:"options"`
}

// Options is the fixed enumerated set of per-job processing options.
// Unknown keys are rejected at admission, not threaded through untyped.
type Options struct {
	AudioFormat string `json:"audio_format,omitempty" validate:"omitempty,oneof=wav mp3 flac"`
	SampleRate  int    `json:"sample_rate,omitempty" validate:"omitempty,oneof=8000 16000 22050 44100 48000"`
	Language    string `json:"language,omitempty" validate:"omitempty,bcp47_language_tag"`
	MaxClips    int    `json:"max_clips,omitempty" validate:"omitempty,min=1,max=20"`
	ClipQuality string `json:"clip_quality,omitempty" validate:"omitempty,oneof=low medium high"`
}

// ClipMeta describes one generated clip.
type ClipMeta struct {
	Title     string  `json:"title,omitempty"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Score     float64 `json:"score,omitempty"`
	FilePath  string  `json:"file_path,omitempty"`
	URL       string  `json:"url,omitempty"`
}

// Result accumulates stage artifacts as the pipeline advances.
type Result struct {
	VideoTitle    string         `json:"video_title,omitempty"`
	VideoDuration float64        `json:"video_duration,omitempty"`
	VideoPath     string         `json:"video_path,omitempty"`
	AudioPath     string         `json:"audio_path,omitempty"`
	Transcript    string         `json:"transcript,omitempty"`
	Segments      []Segment      `json:"segments,omitempty"`
	Analysis      map[string]any `json:"analysis,omitempty"`
	Clips         []ClipMeta     `json:"clips,omitempty"`
	OutputFiles   []string       `json:"output_files,omitempty"`
}

// Segment is one transcript span with an optional highlight score.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Score float64 `json:"score,omitempty"`
}

// Job is one end-to-end unit of requested pipeline work.
type Job struct {
	ID          uuid.UUID  `json:"id"`
	Status      Status     `json:"status"`
	Priority    int        `json:"priority"`
	Progress    float64    `json:"progress"`
	Stage       Stage      `json:"stage,omitempty"`
	Input       Input      `json:"input"`
	Result      Result     `json:"result"`
	Error       string     `json:"error,omitempty"`
	FailedStage Stage      `json:"failed_stage,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the status admits no further worker activity.
// A failed job is terminal but may re-enter the queue via retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Clone returns a deep-enough copy safe to hand to another goroutine.
func (j *Job) Clone() *Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Result.Segments = append([]Segment(nil), j.Result.Segments...)
	cp.Result.Clips = append([]ClipMeta(nil), j.Result.Clips...)
	cp.Result.OutputFiles = append([]string(nil), j.Result.OutputFiles...)
	return &cp
}

// StagesFor returns the ordered stage list a job type runs through.
// Every type ends with finalizing so artifacts always land in storage.
func StagesFor(t Type) []Stage {
	switch t {
	case TypeAudioExtraction:
		return []Stage{StageDownloading, StageExtractingAudio, StageFinalizing}
	case TypeTranscription:
		return []Stage{StageDownloading, StageExtractingAudio, StageTranscribing, StageFinalizing}
	case TypeAnalysis:
		return []Stage{StageDownloading, StageExtractingAudio, StageTranscribing, StageAnalyzing, StageFinalizing}
	default:
		return []Stage{
			StageDownloading,
			StageExtractingAudio,
			StageTranscribing,
			StageAnalyzing,
			StageGeneratingClips,
			StageFinalizing,
		}
	}
}

// FirstStage returns the stage a fresh or retried job starts at.
func FirstStage(t Type) Stage {
	return StagesFor(t)[0]
}
