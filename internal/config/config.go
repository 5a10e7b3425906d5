package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr          string
	RequestTimeout    time.Duration
	DatabaseURL       string
	RedisURL          string
	QueueBackend      string
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	MaxRetries        int
	QueuePollInterval time.Duration
	SubscriberBuffer  int
	OutputDir         string
	StorageMode       string
	S3Bucket          string
	S3Endpoint        string
	S3Region          string
	AWSAccessKey      string
	AWSSecretKey      string
	S3ForcePathStyle  bool
	LocalStorageDir   string
	LocalStorageURL   string
	OpenAIAPIKey      string
	WhisperModel      string
	StageWeights      map[string]float64
	AppPassword       string
	JWTSecret         string
	JWTIssuer         string
	JWTTTL            time.Duration
	RequestsPerMinute int
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
		slog.Warn("bad int env, using default", "key", key, "value", v)
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if v == "true" || v == "1" {
			return true
		}
		if v == "false" || v == "0" {
			return false
		}
		slog.Warn("bad bool env, using default", "key", key, "value", v)
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
		slog.Warn("bad duration env, using default", "key", key, "value", v)
	}
	return def
}

// getWeights parses a "stage=weight,stage=weight" list, e.g.
// STAGE_WEIGHTS=downloading=30,transcribing=25. Returns nil when unset.
func getWeights(key string) map[string]float64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	weights := make(map[string]float64)
	for _, part := range strings.Split(v, ",") {
		name, raw, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			slog.Warn("bad stage weight entry, skipping", "key", key, "entry", part)
			continue
		}
		w, err := strconv.ParseFloat(raw, 64)
		if err != nil || w <= 0 {
			slog.Warn("bad stage weight value, skipping", "key", key, "entry", part)
			continue
		}
		weights[name] = w
	}
	if len(weights) == 0 {
		return nil
	}
	return weights
}

func loadEnvFiles() {
	envFiles := []string{
		".env.local",
		".env",
	}

	// try to find .env files starting from current directory and going up
	currentDir, err := os.Getwd()
	if err != nil {
		slog.Debug("failed to get current directory", "error", err)
		return
	}

	searchDirs := []string{currentDir}
	for i := 0; i < 3; i++ {
		parent := filepath.Dir(currentDir)
		if parent == currentDir {
			break // reached root
		}
		searchDirs = append(searchDirs, parent)
		currentDir = parent
	}

	loadedAny := false
	for _, dir := range searchDirs {
		for _, envFile := range envFiles {
			envPath := filepath.Join(dir, envFile)
			if _, err := os.Stat(envPath); err == nil {
				if err := godotenv.Load(envPath); err == nil {
					slog.Debug("loaded environment file", "path", envPath)
					loadedAny = true
				} else {
					slog.Debug("failed to load environment file", "path", envPath, "error", err)
				}
			}
		}
		if loadedAny {
			break
		}
	}

	if !loadedAny {
		slog.Debug("no .env files found, using system environment variables only")
	}
}

func Load() Config {
	loadEnvFiles()
	return Config{
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		RequestTimeout:    mustDuration("REQUEST_TIMEOUT", 60*time.Second),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		RedisURL:          getenv("REDIS_URL", "redis://localhost:6379"),
		QueueBackend:      getenv("QUEUE_BACKEND", "memory"),
		MaxConcurrentJobs: mustInt("MAX_CONCURRENT_JOBS", 3),
		JobTimeout:        mustDuration("JOB_TIMEOUT", time.Hour),
		MaxRetries:        mustInt("MAX_RETRIES", 3),
		QueuePollInterval: mustDuration("QUEUE_POLL_INTERVAL", 100*time.Millisecond),
		SubscriberBuffer:  mustInt("SUBSCRIBER_BUFFER", 32),
		OutputDir:         getenv("OUTPUT_DIR", "./outputs"),
		StorageMode:       getenv("STORAGE_MODE", "local"),
		S3Bucket:          getenv("S3_BUCKET", "clipline-artifacts"),
		S3Endpoint:        getenv("S3_ENDPOINT", ""),
		S3Region:          getenv("S3_REGION", "us-east-1"),
		AWSAccessKey:      getenv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:      getenv("AWS_SECRET_ACCESS_KEY", ""),
		S3ForcePathStyle:  getBool("S3_FORCE_PATH_STYLE", false),
		LocalStorageDir:   getenv("LOCAL_STORAGE_DIR", "./uploads"),
		LocalStorageURL:   getenv("LOCAL_STORAGE_URL", "http://localhost:8080/files"),
		OpenAIAPIKey:      getenv("OPENAI_API_KEY", ""),
		WhisperModel:      getenv("WHISPER_MODEL", "base"),
		StageWeights:      getWeights("STAGE_WEIGHTS"),
		AppPassword:       getenv("APP_PASSWORD", ""),
		JWTSecret:         getenv("JWT_SECRET", "dev-secret-change-me"),
		JWTIssuer:         getenv("JWT_ISSUER", "clipline"),
		JWTTTL:            mustDuration("JWT_TTL", 30*time.Minute),
		RequestsPerMinute: mustInt("REQUESTS_PER_MINUTE", 60),
	}
}
