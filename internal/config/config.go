package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-driven settings for the voice logging daemon.
type Config struct {
	HTTPPort       string
	DBPath         string
	TranscriptsDir string
	EnableWatcher  bool
	Environment    string

	// Recognition cycle timing.
	WatchdogSec    int
	ObservationSec int
	CallTimeoutSec int

	// Remote completion service.
	LLMModel   string
	LLMBaseURL string
	LLMAPIKey  string

	// RPC retry behavior.
	RetryMaxAttempts    int
	RetryInitialDelayMs int

	// Enrichment task queue.
	TaskMaxRetries       int
	TaskRetryDelaySec    int
	TaskRetentionDays    int
	TaskSweepIntervalMin int
}

type fileConfig struct {
	HTTPPort       string `yaml:"http_port"`
	DBPath         string `yaml:"db_path"`
	TranscriptsDir string `yaml:"transcripts_dir"`
	LLMModel       string `yaml:"llm_model"`
	LLMBaseURL     string `yaml:"llm_base_url"`
	WatchdogSec    *int   `yaml:"watchdog_sec"`
	ObservationSec *int   `yaml:"observation_sec"`
	TaskMaxRetries *int   `yaml:"task_max_retries"`
	RetentionDays  *int   `yaml:"task_retention_days"`
}

const (
	defaultPort           = "8090"
	defaultDBFile         = "./voicelog.db"
	defaultTranscriptsDir = "./transcripts"
	defaultWatchdogSec    = 20
	defaultObservationSec = 4
	defaultCallTimeoutSec = 15
	defaultMaxAttempts    = 3
	defaultInitialDelayMs = 500
	defaultTaskRetries    = 3
	defaultTaskDelaySec   = 2
	defaultRetentionDays  = 7
	defaultSweepMin       = 60
)

// Load reads configuration from environment, optional .env file, and an
// optional YAML config file pointed at by CONFIG_PATH.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		HTTPPort:             getenv("PORT", defaultPort),
		DBPath:               getenv("DB_PATH", defaultDBFile),
		TranscriptsDir:       getenv("TRANSCRIPTS_DIR", defaultTranscriptsDir),
		EnableWatcher:        getenvBool("ENABLE_WATCHER", true),
		Environment:          getenv("ENVIRONMENT", "local"),
		WatchdogSec:          clampInt(getenvInt("WATCHDOG_SEC", defaultWatchdogSec), 1, 300),
		ObservationSec:       clampInt(getenvInt("OBSERVATION_SEC", defaultObservationSec), 0, 60),
		CallTimeoutSec:       clampInt(getenvInt("CALL_TIMEOUT_SEC", defaultCallTimeoutSec), 1, 120),
		LLMModel:             getenv("LLM_MODEL", "gpt-4o-mini"),
		LLMBaseURL:           firstNonEmpty(os.Getenv("LLM_BASE_URL"), os.Getenv("OPENAI_BASE_URL"), "https://api.openai.com"),
		LLMAPIKey:            os.Getenv("OPENAI_API_KEY"),
		RetryMaxAttempts:     clampInt(getenvInt("RETRY_MAX_ATTEMPTS", defaultMaxAttempts), 1, 10),
		RetryInitialDelayMs:  clampInt(getenvInt("RETRY_INITIAL_DELAY_MS", defaultInitialDelayMs), 1, 60000),
		TaskMaxRetries:       clampInt(getenvInt("TASK_MAX_RETRIES", defaultTaskRetries), 1, 10),
		TaskRetryDelaySec:    clampInt(getenvInt("TASK_RETRY_DELAY_SEC", defaultTaskDelaySec), 1, 600),
		TaskRetentionDays:    clampInt(getenvInt("TASK_RETENTION_DAYS", defaultRetentionDays), 1, 365),
		TaskSweepIntervalMin: clampInt(getenvInt("TASK_SWEEP_INTERVAL_MIN", defaultSweepMin), 1, 1440),
	}

	configPath := getenv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	if fc, err := loadFileConfig(configPath); err == nil {
		applyFileConfig(&cfg, fc)
	} else if !os.IsNotExist(err) {
		log.Printf("config load failed (%s): %v (using env/defaults)", configPath, err)
	}

	log.Printf("config: db=%s transcripts=%s port=%s env=%s", cfg.DBPath, cfg.TranscriptsDir, cfg.HTTPPort, cfg.Environment)
	return cfg
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// File values fill in only where the environment did not override defaults.
func applyFileConfig(cfg *Config, fc fileConfig) {
	if os.Getenv("PORT") == "" && strings.TrimSpace(fc.HTTPPort) != "" {
		cfg.HTTPPort = strings.TrimSpace(fc.HTTPPort)
	}
	if os.Getenv("DB_PATH") == "" && strings.TrimSpace(fc.DBPath) != "" {
		cfg.DBPath = strings.TrimSpace(fc.DBPath)
	}
	if os.Getenv("TRANSCRIPTS_DIR") == "" && strings.TrimSpace(fc.TranscriptsDir) != "" {
		cfg.TranscriptsDir = strings.TrimSpace(fc.TranscriptsDir)
	}
	if os.Getenv("LLM_MODEL") == "" && strings.TrimSpace(fc.LLMModel) != "" {
		cfg.LLMModel = strings.TrimSpace(fc.LLMModel)
	}
	if os.Getenv("LLM_BASE_URL") == "" && strings.TrimSpace(fc.LLMBaseURL) != "" {
		cfg.LLMBaseURL = strings.TrimSpace(fc.LLMBaseURL)
	}
	if os.Getenv("WATCHDOG_SEC") == "" && fc.WatchdogSec != nil && *fc.WatchdogSec > 0 {
		cfg.WatchdogSec = *fc.WatchdogSec
	}
	if os.Getenv("OBSERVATION_SEC") == "" && fc.ObservationSec != nil && *fc.ObservationSec >= 0 {
		cfg.ObservationSec = *fc.ObservationSec
	}
	if os.Getenv("TASK_MAX_RETRIES") == "" && fc.TaskMaxRetries != nil && *fc.TaskMaxRetries > 0 {
		cfg.TaskMaxRetries = *fc.TaskMaxRetries
	}
	if os.Getenv("TASK_RETENTION_DAYS") == "" && fc.RetentionDays != nil && *fc.RetentionDays > 0 {
		cfg.TaskRetentionDays = *fc.RetentionDays
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return ""
}

// Now returns utc time helper for deterministic timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
