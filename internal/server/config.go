package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vnresolve/vnr-reaper/internal/reaper"
)

// Config holds server configuration from environment variables.
type Config struct {
	Port     string
	GRPCPort string

	// StoreBackend selects the record store: "nats" or "etcd".
	StoreBackend  string
	NatsURL       string
	EtcdEndpoints []string

	// InventoryURL is the base URL of the authoritative inventory service.
	InventoryURL string

	// SinkMaxPending bounds in-flight pipeline publishes.
	SinkMaxPending int

	ReapTime      time.Duration
	CycleInterval time.Duration
	// CycleSchedule optionally adds a cron trigger on top of the interval.
	CycleSchedule string

	ScanPageSize int
	InitialSleep time.Duration
	MinSleep     time.Duration
	MaxSleep     time.Duration
	OpTimeout    time.Duration
	FetchTimeout time.Duration
	RetryBudget  int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	OtelEnabled  bool
	OtelEndpoint string
}

// LoadConfig reads configuration from environment variables with defaults.
func LoadConfig() Config {
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if ep := os.Getenv("VNR_OTEL_ENDPOINT"); ep != "" {
		otelEndpoint = ep
	}
	return Config{
		Port:     getEnv("VNR_PORT", "8080"),
		GRPCPort: getEnv("VNR_GRPC_PORT", "9090"),

		StoreBackend:  getEnv("VNR_STORE_BACKEND", "nats"),
		NatsURL:       getEnv("NATS_URL", "nats://localhost:4222"),
		EtcdEndpoints: splitList(getEnv("VNR_ETCD_ENDPOINTS", "localhost:2379")),

		InventoryURL: getEnv("VNR_INVENTORY_URL", "http://localhost:8081"),

		SinkMaxPending: getEnvInt("VNR_SINK_MAX_PENDING", 256),

		ReapTime:      getEnvSeconds("VNR_REAP_TIME_SECONDS", 3600),
		CycleInterval: getEnvSeconds("VNR_CYCLE_INTERVAL_SECONDS", 300),
		CycleSchedule: getEnv("VNR_CYCLE_SCHEDULE", ""),

		ScanPageSize: getEnvInt("VNR_SCAN_PAGE_SIZE", 50),
		InitialSleep: getEnvMillis("VNR_SLEEP_MS", 1000),
		MinSleep:     getEnvMillis("VNR_MIN_SLEEP_MS", 250),
		MaxSleep:     getEnvMillis("VNR_MAX_SLEEP_MS", 30000),
		OpTimeout:    getEnvMillis("VNR_OP_TIMEOUT_MS", 5000),
		FetchTimeout: getEnvMillis("VNR_FETCH_TIMEOUT_MS", 10000),
		RetryBudget:  getEnvInt("VNR_RETRY_BUDGET", 3),

		ReadTimeout:     getEnvSeconds("VNR_READ_TIMEOUT_SECONDS", 10),
		WriteTimeout:    getEnvSeconds("VNR_WRITE_TIMEOUT_SECONDS", 30),
		IdleTimeout:     getEnvSeconds("VNR_IDLE_TIMEOUT_SECONDS", 120),
		ShutdownTimeout: getEnvSeconds("VNR_SHUTDOWN_TIMEOUT_SECONDS", 30),

		OtelEnabled:  os.Getenv("VNR_OTEL_ENABLED") == "true" || otelEndpoint != "",
		OtelEndpoint: otelEndpoint,
	}
}

// ReaperConfig maps the server configuration onto the reaper's tunables.
func (c Config) ReaperConfig() reaper.Config {
	return reaper.Config{
		ReapTime:     c.ReapTime,
		PageSize:     c.ScanPageSize,
		InitialSleep: c.InitialSleep,
		MinSleep:     c.MinSleep,
		MaxSleep:     c.MaxSleep,
		OpTimeout:    c.OpTimeout,
		FetchTimeout: c.FetchTimeout,
		RetryBudget:  c.RetryBudget,
	}
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvSeconds(key string, defaultVal int) time.Duration {
	return time.Duration(getEnvInt(key, defaultVal)) * time.Second
}

func getEnvMillis(key string, defaultVal int) time.Duration {
	return time.Duration(getEnvInt(key, defaultVal)) * time.Millisecond
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
