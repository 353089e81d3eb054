// Package config parses the predictor's runtime configuration.
//
// Settings come from command-line flags, falling back to environment variables,
// falling back to defaults. The few settings an operator may change while the
// predictor runs live in a separate properties file (see Properties).
//
// Example:
//
//	cfg, err := config.Load(os.Args[1:])
//	if err != nil {
//	    // misconfiguration, exit non-zero
//	}
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/HatiCode/forecastd/pkg/tls"
)

// Config holds all predictor configuration.
type Config struct {
	Listen     string
	HealthGRPC string
	LogFormat  string
	LogLevel   string
	LogFile    string
	LogMaxSize int
	LogBackups int
	LogMaxAge  int

	Storage       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	// ServerTLS secures the HTTP and gRPC health servers.
	ServerTLS tls.Config
	// ClientTLS secures connections to the broker and the model service.
	ClientTLS tls.Config

	Transport         string
	Brokers           []string
	BrokerUsername    string
	BrokerPassword    string
	ClientID          string
	TopicPrefix       string
	Forecaster        string
	PreliminaryTopics bool

	Backend        string
	BackendCommand string
	BackendArgs    []string
	BackendDir     string
	BackendURL     string
	BackendOutput  string
	BackendTimeout time.Duration

	BatchSize     int
	InitialMargin time.Duration

	History         string
	HistoryURL      string
	HistoryQuery    string
	HistoryStep     time.Duration
	HistoryWindow   time.Duration
	DatasetDir      string
	Application     string
	AdapterConfig   map[string]string
	PropertiesFile  string
	ShutdownTimeout time.Duration

	Level       int
	Probability float64
	RefersTo    string
	Cloud       string
	Provider    string
}

// Load parses args (usually os.Args[1:]) and validates the result.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("predictor", flag.ContinueOnError)

	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8081"), "HTTP listen address")
	fs.StringVar(&cfg.HealthGRPC, "grpc-health-listen", getEnv("GRPC_HEALTH_LISTEN", ":50051"), "gRPC health listen address (empty disables)")

	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFile, "log-file", getEnv("LOG_FILE", ""), "Write logs to this rotated file instead of stderr")
	fs.IntVar(&cfg.LogMaxSize, "log-max-size", getEnvInt("LOG_MAX_SIZE", 100), "Log file size in megabytes before rotation")
	fs.IntVar(&cfg.LogBackups, "log-max-backups", getEnvInt("LOG_MAX_BACKUPS", 5), "Rotated log files to keep")
	fs.IntVar(&cfg.LogMaxAge, "log-max-age", getEnvInt("LOG_MAX_AGE", 28), "Days to keep rotated log files")

	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "memory"), "Prediction store: memory or redis")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.DurationVar(&cfg.RedisTTL, "redis-ttl", getEnvDuration("REDIS_TTL", 24*time.Hour), "TTL of stored predictions")

	fs.BoolVar(&cfg.ServerTLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Serve HTTP and gRPC over mutual TLS")
	fs.StringVar(&cfg.ServerTLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "Server certificate file")
	fs.StringVar(&cfg.ServerTLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "Server private key file")
	fs.StringVar(&cfg.ServerTLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "CA file for verifying clients")

	fs.BoolVar(&cfg.ClientTLS.Enabled, "client-tls-enabled", getEnvBool("CLIENT_TLS_ENABLED", false), "Use TLS towards the broker and model service")
	fs.StringVar(&cfg.ClientTLS.CertFile, "client-tls-cert-file", getEnv("CLIENT_TLS_CERT_FILE", ""), "Client certificate file")
	fs.StringVar(&cfg.ClientTLS.KeyFile, "client-tls-key-file", getEnv("CLIENT_TLS_KEY_FILE", ""), "Client private key file")
	fs.StringVar(&cfg.ClientTLS.CAFile, "client-tls-ca-file", getEnv("CLIENT_TLS_CA_FILE", ""), "CA file for verifying servers (system roots when empty)")
	fs.StringVar(&cfg.ClientTLS.ServerName, "client-tls-server-name", getEnv("CLIENT_TLS_SERVER_NAME", ""), "Expected server name")

	var brokers string
	fs.StringVar(&cfg.Transport, "transport", getEnv("TRANSPORT", "nats"), "Message transport: kafka, mqtt, nats or memory")
	fs.StringVar(&brokers, "brokers", getEnv("BROKERS", "nats://localhost:4222"), "Comma-separated broker addresses")
	fs.StringVar(&cfg.BrokerUsername, "broker-username", getEnv("BROKER_USERNAME", ""), "Broker username")
	fs.StringVar(&cfg.BrokerPassword, "broker-password", getEnv("BROKER_PASSWORD", ""), "Broker password")
	fs.StringVar(&cfg.ClientID, "client-id", getEnv("CLIENT_ID", ""), "Broker client id (generated when empty)")
	fs.StringVar(&cfg.TopicPrefix, "topic-prefix", getEnv("TOPIC_PREFIX", "eu.nebulouscloud"), "Topic prefix")
	fs.StringVar(&cfg.Forecaster, "forecaster", getEnv("FORECASTER", "exponentialsmoothing"), "Forecaster name used in topics and metrics")
	fs.BoolVar(&cfg.PreliminaryTopics, "preliminary-topics", getEnvBool("PRELIMINARY_TOPICS", true), "Publish on preliminary_predicted topics")

	var backendArgs string
	fs.StringVar(&cfg.Backend, "backend", getEnv("BACKEND", "command"), "Forecast backend: command or http")
	fs.StringVar(&cfg.BackendCommand, "backend-command", getEnv("BACKEND_COMMAND", "Rscript"), "Backend executable")
	fs.StringVar(&backendArgs, "backend-args", getEnv("BACKEND_ARGS", "forecasting_real_workload.R"), "Space-separated leading backend arguments")
	fs.StringVar(&cfg.BackendDir, "backend-dir", getEnv("BACKEND_DIR", ""), "Backend working directory")
	fs.StringVar(&cfg.BackendURL, "backend-url", getEnv("BACKEND_URL", ""), "Model service URL (backend=http)")
	fs.StringVar(&cfg.BackendOutput, "backend-output-path", getEnv("BACKEND_OUTPUT_PATH", ""), "gjson path of the token stream in the model service response")
	fs.DurationVar(&cfg.BackendTimeout, "backend-timeout", getEnvDuration("BACKEND_TIMEOUT", 0), "Model service request timeout (backend=http, 0 means 60s)")

	fs.IntVar(&cfg.BatchSize, "batch-size", getEnvInt("BATCH_SIZE", 8), "Successive targets forecast per wake-up")
	fs.DurationVar(&cfg.InitialMargin, "processing-margin", getEnvDuration("PROCESSING_MARGIN", 20*time.Second), "Initial processing margin (overridden by the properties file)")

	fs.StringVar(&cfg.History, "history", getEnv("HISTORY", "prometheus"), "History source: prometheus, victoriametrics, http or none")
	fs.StringVar(&cfg.HistoryURL, "history-url", getEnv("HISTORY_URL", ""), "History source URL")
	fs.StringVar(&cfg.HistoryQuery, "history-query", getEnv("HISTORY_QUERY", "{{.Metric}}"), "Query template, e.g. avg({{.Metric}})")
	fs.DurationVar(&cfg.HistoryStep, "history-step", getEnvDuration("HISTORY_STEP", time.Minute), "Resolution of pulled series")
	fs.DurationVar(&cfg.HistoryWindow, "history-window", getEnvDuration("HISTORY_WINDOW", 30*24*time.Hour), "Trailing window pulled (overridden by the properties file)")
	fs.StringVar(&cfg.DatasetDir, "dataset-dir", getEnv("DATASET_DIR", "./datasets"), "Directory of dataset files (overridden by the properties file)")
	fs.StringVar(&cfg.Application, "application", getEnv("APPLICATION", "default_application"), "Application name used in dataset file names")
	fs.StringVar(&cfg.PropertiesFile, "properties-file", getEnv("PROPERTIES_FILE", ""), "Reloadable properties file")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second), "Time allowed for a graceful shutdown")

	fs.IntVar(&cfg.Level, "level", getEnvInt("PREDICTION_LEVEL", 3), "Level field of published predictions")
	fs.Float64Var(&cfg.Probability, "probability", getEnvFloat("PREDICTION_PROBABILITY", 0.95), "Probability field of published predictions")
	fs.StringVar(&cfg.RefersTo, "refers-to", getEnv("PREDICTION_REFERS_TO", "todo"), "refersTo field of published predictions")
	fs.StringVar(&cfg.Cloud, "cloud", getEnv("PREDICTION_CLOUD", "todo"), "cloud field of published predictions")
	fs.StringVar(&cfg.Provider, "provider", getEnv("PREDICTION_PROVIDER", "todo"), "provider field of published predictions")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Brokers = splitList(brokers, ",")
	cfg.BackendArgs = strings.Fields(backendArgs)
	cfg.AdapterConfig = parseAdapterConfig(os.Environ())
	if cfg.HistoryURL != "" {
		cfg.AdapterConfig["url"] = cfg.HistoryURL
	}
	if _, ok := cfg.AdapterConfig["query"]; !ok {
		cfg.AdapterConfig["query"] = cfg.HistoryQuery
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if !slices.Contains([]string{"text", "json"}, c.LogFormat) {
		return fmt.Errorf("invalid log format %q (must be text or json)", c.LogFormat)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.LogLevel) {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if !slices.Contains([]string{"memory", "redis"}, c.Storage) {
		return fmt.Errorf("invalid storage %q (must be memory or redis)", c.Storage)
	}
	if !slices.Contains([]string{"kafka", "mqtt", "nats", "memory"}, c.Transport) {
		return fmt.Errorf("invalid transport %q (must be kafka, mqtt, nats or memory)", c.Transport)
	}
	if c.Transport != "memory" && len(c.Brokers) == 0 {
		return fmt.Errorf("transport %s requires at least one broker", c.Transport)
	}
	if c.TopicPrefix == "" || c.Forecaster == "" {
		return errors.New("topic prefix and forecaster name are required")
	}

	switch c.Backend {
	case "command":
		if c.BackendCommand == "" {
			return errors.New("backend=command requires a backend command")
		}
	case "http":
		if c.BackendURL == "" {
			return errors.New("backend=http requires a backend URL")
		}
	default:
		return fmt.Errorf("invalid backend %q (must be command or http)", c.Backend)
	}
	if c.BackendTimeout < 0 {
		return errors.New("backend timeout cannot be negative")
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1, got %d", c.BatchSize)
	}
	if c.InitialMargin < 0 {
		return errors.New("processing margin cannot be negative")
	}

	if !slices.Contains([]string{"prometheus", "victoriametrics", "http", "none"}, c.History) {
		return fmt.Errorf("invalid history source %q", c.History)
	}
	if c.History != "none" {
		if c.HistoryWindow <= 0 {
			return errors.New("history window must be > 0")
		}
		if c.HistoryStep <= 0 {
			return errors.New("history step must be > 0")
		}
	}
	if c.Application == "" {
		return errors.New("application name is required")
	}

	if c.Probability < 0 || c.Probability > 1 {
		return fmt.Errorf("probability must be within [0, 1], got %v", c.Probability)
	}

	if err := c.ServerTLS.Validate(); err != nil {
		return fmt.Errorf("server tls: %w", err)
	}
	if err := c.ClientTLS.Validate(); err != nil {
		return fmt.Errorf("client tls: %w", err)
	}
	return nil
}

// parseAdapterConfig collects ADAPTER_* variables into a map keyed in lower camel
// case: ADAPTER_VALUE_PATH=data.#.v becomes valuePath.
func parseAdapterConfig(environ []string) map[string]string {
	config := make(map[string]string)
	for _, env := range environ {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, "ADAPTER_") || len(key) == len("ADAPTER_") {
			continue
		}
		config[toLowerCamelCase(strings.TrimPrefix(key, "ADAPTER_"))] = value
	}
	return config
}

func toLowerCamelCase(s string) string {
	parts := strings.Split(strings.ToLower(s), "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i > 0 && b.Len() > 0 {
			p = strings.ToUpper(p[:1]) + p[1:]
		}
		b.WriteString(p)
	}
	return b.String()
}

func splitList(s, sep string) []string {
	var out []string
	for _, item := range strings.Split(s, sep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
