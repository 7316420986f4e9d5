package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds daemon configuration
type Config struct {
	RESTAddress    string
	MetricsAddress string

	DataDirectory string
	StorePath     string
	QueuePath     string
	LockPath      string

	CWSBaseURL        string
	CWSMaxConnections int
	CWSMaxPerRoute    int

	ChunkSize         int
	SchedulerTick     time.Duration
	WorkerConcurrency int
	MaxRetryAttempts  int
	RetryBackoffBase  time.Duration

	SecretTTL time.Duration
	LockTTL   time.Duration

	TallyTimeout   time.Duration
	DecryptTimeout time.Duration
	CombineTimeout time.Duration

	EventBufferSize int
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "votaryx")

	return &Config{
		RESTAddress:    "127.0.0.1:8080",
		MetricsAddress: "127.0.0.1:9100",

		DataDirectory: dataDir,
		StorePath:     filepath.Join(dataDir, "votaryx.db"),
		QueuePath:     filepath.Join(dataDir, "queues.db"),
		LockPath:      filepath.Join(dataDir, "locks.db"),

		CWSBaseURL:        "http://127.0.0.1:9500",
		CWSMaxConnections: 100,
		CWSMaxPerRoute:    50,

		ChunkSize:         64,
		SchedulerTick:     100 * time.Millisecond,
		WorkerConcurrency: 4,
		MaxRetryAttempts:  3,
		RetryBackoffBase:  5 * time.Second,

		SecretTTL: 60 * time.Minute,
		LockTTL:   2 * time.Hour,

		TallyTimeout:   30 * time.Minute,
		DecryptTimeout: 10 * time.Minute,
		CombineTimeout: 10 * time.Minute,

		EventBufferSize: 100,
	}
}

// LoadConfig builds the configuration from defaults plus VOTARYX_*
// environment overrides.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("VOTARYX_REST_ADDRESS"); v != "" {
		cfg.RESTAddress = v
	}
	if v := os.Getenv("VOTARYX_METRICS_ADDRESS"); v != "" {
		cfg.MetricsAddress = v
	}
	if v := os.Getenv("VOTARYX_DATA_DIR"); v != "" {
		cfg.DataDirectory = v
		cfg.StorePath = filepath.Join(v, "votaryx.db")
		cfg.QueuePath = filepath.Join(v, "queues.db")
		cfg.LockPath = filepath.Join(v, "locks.db")
	}
	if v := os.Getenv("VOTARYX_CWS_URL"); v != "" {
		cfg.CWSBaseURL = v
	}
	if v, ok := envInt("VOTARYX_CHUNK_SIZE"); ok {
		cfg.ChunkSize = v
	}
	if v, ok := envInt("VOTARYX_SCHEDULER_TICK_MS"); ok {
		cfg.SchedulerTick = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("VOTARYX_WORKER_CONCURRENCY"); ok {
		cfg.WorkerConcurrency = v
	}
	if v, ok := envInt("VOTARYX_RETRY_MAX_ATTEMPTS"); ok {
		cfg.MaxRetryAttempts = v
	}
	if v, ok := envInt("VOTARYX_SECRET_TTL_MINUTES"); ok {
		cfg.SecretTTL = time.Duration(v) * time.Minute
	}
	if v, ok := envInt("VOTARYX_LOCK_TTL_SECONDS"); ok {
		cfg.LockTTL = time.Duration(v) * time.Second
	}
	if v, ok := envInt("VOTARYX_CWS_MAX_CONNECTIONS"); ok {
		cfg.CWSMaxConnections = v
	}
	if v, ok := envInt("VOTARYX_CWS_MAX_PER_ROUTE"); ok {
		cfg.CWSMaxPerRoute = v
	}

	return cfg, nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
