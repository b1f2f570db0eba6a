package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	LogLevel    slog.Level
	DownloadDir string

	MaxGlobalConcurrent int
	MaxUserConcurrent   int
	MaxUserDaily        int
	MaxFileSize         int64

	RetentionWindow time.Duration
	SweepInterval   time.Duration
	StallTimeout    time.Duration
	JobRetention    time.Duration
	ShutdownGrace   time.Duration

	DiskCeilingBytes int64
	MinFreeBytes     int64

	BlockedDomains []string
	AllowedExts    []string
}

func LoadConfig() Config {
	godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	logLevelString := strings.ToUpper(os.Getenv("LOG_LEVEL"))
	if logLevelString == "" {
		logLevelString = "INFO"
	}
	var logLevel slog.Level
	switch logLevelString {
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "INFO":
		logLevel = slog.LevelInfo
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	downloadDir := os.Getenv("DOWNLOAD_DIR")
	if downloadDir == "" {
		downloadDir = "./downloads"
	}

	return Config{
		Port:        port,
		LogLevel:    logLevel,
		DownloadDir: downloadDir,

		MaxGlobalConcurrent: getEnvInt("MAX_GLOBAL_CONCURRENT", 2),
		MaxUserConcurrent:   getEnvInt("MAX_USER_CONCURRENT", 2),
		MaxUserDaily:        getEnvInt("MAX_USER_DAILY", 10),
		MaxFileSize:         getEnvInt64("MAX_FILE_SIZE", 1932735283), // just under the 2GB transport cap

		RetentionWindow: getEnvDuration("RETENTION_WINDOW", 24*time.Hour),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		StallTimeout:    getEnvDuration("STALL_TIMEOUT", 2*time.Minute),
		JobRetention:    getEnvDuration("JOB_RETENTION", time.Hour),
		ShutdownGrace:   getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),

		DiskCeilingBytes: getEnvInt64("DISK_CEILING_BYTES", 0),
		MinFreeBytes:     getEnvInt64("MIN_FREE_BYTES", 1<<30),

		BlockedDomains: getEnvList("BLOCKED_DOMAINS", nil),
		AllowedExts: getEnvList("ALLOWED_EXTENSIONS", []string{
			".mp4", ".mkv", ".avi", ".mov", ".wmv", ".flv", ".webm", ".mp3", ".m4a",
		}),
	}
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer in env, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("Invalid integer in env, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Invalid duration in env, using default", "key", key, "value", v)
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
