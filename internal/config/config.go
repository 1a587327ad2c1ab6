package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TelemetryConfig controls traces and metrics. An empty PrometheusBind serves
// /metrics on the main HTTP listener instead of a dedicated one.
type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Speech      SpeechConfig     `yaml:"speech"`
	Narration   NarrationConfig  `yaml:"narration"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Gateway     GatewayConfig    `yaml:"gateway"`
	Node        NodeConfig       `yaml:"node"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SpeechConfig describes how the Polly endpoint is reached and which
// credentials sign requests. Static keys win over the default chain.
type SpeechConfig struct {
	Service           string  `yaml:"service"`
	Region            string  `yaml:"region"`
	Endpoint          string  `yaml:"endpoint"`
	AccessKeyID       string  `yaml:"access_key_id"`
	SecretAccessKey   string  `yaml:"secret_access_key"`
	SessionToken      string  `yaml:"session_token"`
	UseDefaultChain   bool    `yaml:"use_default_chain"`
	Voice             string  `yaml:"voice"`
	SpeechRate        string  `yaml:"speech_rate"`
	RequestTimeoutMS  int     `yaml:"request_timeout_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type NarrationConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxTotalChars int  `yaml:"max_total_chars"`
	ChunkSize     int  `yaml:"chunk_size"`
}

type PlaybackConfig struct {
	Mode      string `yaml:"mode"` // none, exec, directory
	Command   string `yaml:"command"`
	Directory string `yaml:"directory"`
}

// NodeConfig identifies this narrator on the bus for presence announcements.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Token   string `yaml:"token"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrations.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRuns:       10000,
		},
		Speech: SpeechConfig{
			Service:           "polly",
			Region:            "us-east-1",
			Voice:             "Joanna",
			SpeechRate:        "1",
			RequestTimeoutMS:  60000,
			RequestsPerSecond: 0,
		},
		Narration: NarrationConfig{
			Enabled:       true,
			MaxTotalChars: 8000,
			ChunkSize:     1800,
		},
		Playback: PlaybackConfig{
			Mode:    "none",
			Command: "mpg123 -q -",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Path:    "/ws",
		},
		Node: NodeConfig{
			ID:                  "narrator-1",
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRuns, "LOQA_EVENT_STORE_MAX_RUNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Speech.Service, "LOQA_SPEECH_SERVICE")
	overrideString(&cfg.Speech.Region, "LOQA_SPEECH_REGION")
	overrideString(&cfg.Speech.Endpoint, "LOQA_SPEECH_ENDPOINT")
	overrideString(&cfg.Speech.AccessKeyID, "LOQA_SPEECH_ACCESS_KEY_ID")
	overrideString(&cfg.Speech.SecretAccessKey, "LOQA_SPEECH_SECRET_ACCESS_KEY")
	overrideString(&cfg.Speech.SessionToken, "LOQA_SPEECH_SESSION_TOKEN")
	overrideBool(&cfg.Speech.UseDefaultChain, "LOQA_SPEECH_USE_DEFAULT_CHAIN")
	overrideString(&cfg.Speech.Voice, "LOQA_SPEECH_VOICE")
	overrideString(&cfg.Speech.SpeechRate, "LOQA_SPEECH_RATE")
	overrideInt(&cfg.Speech.RequestTimeoutMS, "LOQA_SPEECH_REQUEST_TIMEOUT_MS")
	overrideFloat(&cfg.Speech.RequestsPerSecond, "LOQA_SPEECH_REQUESTS_PER_SECOND")
	overrideBool(&cfg.Narration.Enabled, "LOQA_NARRATION_ENABLED")
	overrideInt(&cfg.Narration.MaxTotalChars, "LOQA_NARRATION_MAX_TOTAL_CHARS")
	overrideInt(&cfg.Narration.ChunkSize, "LOQA_NARRATION_CHUNK_SIZE")
	overrideString(&cfg.Playback.Mode, "LOQA_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Command, "LOQA_PLAYBACK_COMMAND")
	overrideString(&cfg.Playback.Directory, "LOQA_PLAYBACK_DIRECTORY")
	overrideBool(&cfg.Gateway.Enabled, "LOQA_GATEWAY_ENABLED")
	overrideString(&cfg.Gateway.Path, "LOQA_GATEWAY_PATH")
	overrideString(&cfg.Gateway.Token, "LOQA_GATEWAY_TOKEN")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// normalize trims credential fields and restores defaults blanked out by
// the config file, the way the options page stored them.
func normalize(cfg *Config) {
	cfg.Speech.AccessKeyID = strings.TrimSpace(cfg.Speech.AccessKeyID)
	cfg.Speech.SecretAccessKey = strings.TrimSpace(cfg.Speech.SecretAccessKey)
	cfg.Speech.SessionToken = strings.TrimSpace(cfg.Speech.SessionToken)
	cfg.Speech.Region = strings.TrimSpace(cfg.Speech.Region)
	if cfg.Speech.Region == "" {
		cfg.Speech.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.Speech.Voice) == "" {
		cfg.Speech.Voice = "Joanna"
	}
	if strings.TrimSpace(cfg.Speech.Service) == "" {
		cfg.Speech.Service = "polly"
	}
	cfg.Playback.Mode = strings.ToLower(strings.TrimSpace(cfg.Playback.Mode))
	if cfg.Playback.Mode == "" {
		cfg.Playback.Mode = "none"
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if bind := cfg.Telemetry.PrometheusBind; bind != "" {
		if _, _, err := net.SplitHostPort(bind); err != nil {
			return fmt.Errorf("telemetry.prometheus_bind must be host:port: %w", err)
		}
	}
	if cfg.Speech.RequestTimeoutMS < 0 {
		return errors.New("speech.request_timeout_ms must be >= 0")
	}
	if cfg.Speech.RequestsPerSecond < 0 {
		return errors.New("speech.requests_per_second must be >= 0")
	}
	if (cfg.Speech.AccessKeyID == "") != (cfg.Speech.SecretAccessKey == "") {
		return errors.New("speech.access_key_id and speech.secret_access_key must be set together")
	}
	if cfg.Narration.ChunkSize <= 0 {
		return errors.New("narration.chunk_size must be positive")
	}
	if cfg.Narration.MaxTotalChars < cfg.Narration.ChunkSize {
		return errors.New("narration.max_total_chars must be >= narration.chunk_size")
	}
	switch cfg.Playback.Mode {
	case "none":
	case "exec":
		if strings.TrimSpace(cfg.Playback.Command) == "" {
			return errors.New("playback.command must be set when mode=exec")
		}
	case "directory":
		if strings.TrimSpace(cfg.Playback.Directory) == "" {
			return errors.New("playback.directory must be set when mode=directory")
		}
	default:
		return errors.New("playback.mode must be one of none|exec|directory")
	}
	if cfg.Gateway.Enabled && !strings.HasPrefix(cfg.Gateway.Path, "/") {
		return errors.New("gateway.path must start with /")
	}
	if cfg.Bus.Enabled {
		if strings.TrimSpace(cfg.Node.ID) == "" {
			return errors.New("node.id must not be empty when the bus is enabled")
		}
		if cfg.Node.HeartbeatIntervalMS <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeoutMS <= cfg.Node.HeartbeatIntervalMS {
			return errors.New("node.heartbeat_timeout_ms must exceed node.heartbeat_interval_ms")
		}
	}
	return nil
}
