package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DemoRESTURL   = "https://demo-api-capital.backend-capital.com"
	LiveRESTURL   = "https://api-capital.backend-capital.com"
	StreamURL     = "wss://api-streaming-capital.backend-capital.com/connect"
	defaultTZName = "Europe/Berlin"
)

// Config holds process level settings. Trading parameters live in Params.
type Config struct {
	APIKey      string
	Identifier  string
	Password    string
	AccountType string // demo or live
	RESTURL     string
	StreamURL   string

	Instruments []string
	LocalTZ     string
	ParamsFile  string

	// Timeouts and pacing
	HTTPTimeoutSec     int
	ReceiveTimeoutSec  int
	PingPeriodSec      int
	ReconnectDelaySec  int
	MaxAuthFailures    int
	RESTRatePerSec     float64
	CloseDebounceMs    int
	HistoryCapacity    int
	TickWindow         int
	ChartWindowSec     int
	ChartMaxPoints     int
	ChartThrottleMs    int
	FormingThrottleSec int

	JournalPath string

	// Logging configuration
	LogFile       string
	LogMaxSize    int // megabytes
	LogMaxBackups int // number of files
	LogMaxAge     int // days
	LogCompress   bool
	LogLevel      int // 0=DEBUG, 1=INFO, 2=WARNING, 3=ERROR
	// Status server configuration
	StatusAddr string
	// Daemon configuration
	DaemonMode bool
	Debug      bool
}

// LoadConfig loads configuration from environment variables (and .env when
// present) or uses defaults.
func LoadConfig() *Config {
	// A missing .env is fine.
	_ = godotenv.Load()

	accountType := strings.ToLower(getEnv("CAPITAL_ACCOUNT_TYPE", "demo"))
	restURL := DemoRESTURL
	if accountType == "live" {
		restURL = LiveRESTURL
	}

	cfg := &Config{
		APIKey:      getEnv("CAPITAL_API_KEY", ""),
		Identifier:  getEnv("CAPITAL_IDENTIFIER", getEnv("CAPITAL_USERNAME", "")),
		Password:    getEnv("CAPITAL_PASSWORD", ""),
		AccountType: accountType,
		RESTURL:     strings.TrimRight(getEnv("CAPITAL_REST_URL", restURL), "/"),
		StreamURL:   getEnv("CAPITAL_STREAM_URL", StreamURL),

		Instruments: splitAndTrim(getEnv("INSTRUMENTS", "BTCUSD")),
		LocalTZ:     getEnv("LOCAL_TZ", defaultTZName),
		ParamsFile:  getEnv("PARAMS_FILE", "params.yaml"),

		HTTPTimeoutSec:     getEnvAsInt("HTTP_TIMEOUT_SEC", 10),
		ReceiveTimeoutSec:  getEnvAsInt("RECEIVE_TIMEOUT_SEC", 30),
		PingPeriodSec:      getEnvAsInt("PING_PERIOD_SEC", 300),
		ReconnectDelaySec:  getEnvAsInt("RECONNECT_DELAY_SEC", 5),
		MaxAuthFailures:    getEnvAsInt("MAX_AUTH_FAILURES", 3),
		RESTRatePerSec:     getEnvAsFloat("REST_RATE_PER_SEC", 10),
		CloseDebounceMs:    getEnvAsInt("CLOSE_DEBOUNCE_MS", 3000),
		HistoryCapacity:    getEnvAsInt("HISTORY_CAPACITY", 200),
		TickWindow:         getEnvAsInt("TICK_WINDOW", 120),
		ChartWindowSec:     getEnvAsInt("CHART_WINDOW_SEC", 305),
		ChartMaxPoints:     getEnvAsInt("CHART_MAX_POINTS", 2000),
		ChartThrottleMs:    getEnvAsInt("CHART_THROTTLE_MS", 200),
		FormingThrottleSec: 1,

		JournalPath: getEnv("JOURNAL_PATH", "data/journal.db"),

		// Logging defaults
		LogFile:       getEnv("LOG_FILE", "logs/tradingbot.log"),
		LogMaxSize:    getEnvAsInt("LOG_MAX_SIZE", 10),
		LogMaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 5),
		LogMaxAge:     getEnvAsInt("LOG_MAX_AGE", 30),
		LogCompress:   getEnvAsBool("LOG_COMPRESS", true),
		LogLevel:      getEnvAsInt("LOG_LEVEL", 1),
		// Status server defaults
		StatusAddr: getEnv("STATUS_ADDR", "127.0.0.1:6061"),
		// Daemon defaults
		DaemonMode: getEnvAsBool("DAEMON_MODE", false),
	}
	return cfg
}

// Location resolves LocalTZ, falling back to UTC for unknown names.
func (c *Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.LocalTZ)
	if name == "" {
		name = defaultTZName
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, err
	}
	return loc, nil
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}

func (c *Config) ReceiveTimeout() time.Duration {
	return time.Duration(c.ReceiveTimeoutSec) * time.Second
}

func (c *Config) PingPeriod() time.Duration {
	return time.Duration(c.PingPeriodSec) * time.Second
}

func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySec) * time.Second
}

func (c *Config) CloseDebounce() time.Duration {
	return time.Duration(c.CloseDebounceMs) * time.Millisecond
}

// getEnvAsBool gets an environment variable as a boolean value
func getEnvAsBool(key string, defaultValue bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvAsInt(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.ToUpper(strings.TrimSpace(p)); t != "" {
			out = append(out, t)
		}
	}
	return out
}
