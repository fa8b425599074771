package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

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
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	History     HistoryConfig   `yaml:"history"`
	Synth       SynthConfig     `yaml:"synth"`
	Editor      EditorConfig    `yaml:"editor"`
	Output      OutputConfig    `yaml:"output"`
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

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SynthConfig points at the local inference server and, optionally, the
// command that starts it.
type SynthConfig struct {
	Endpoint         string `yaml:"endpoint"`
	TimeoutMS        int    `yaml:"timeout_ms"`
	QuickAndDirty    bool   `yaml:"quick_n_dirty"`
	ServerCommand    string `yaml:"server_command"`
	MarkerDir        string `yaml:"marker_dir"`
	StartupPollMS    int    `yaml:"startup_poll_ms"`
	StartupTimeoutMS int    `yaml:"startup_timeout_ms"`
}

type EditorConfig struct {
	AutoInfer   bool    `yaml:"auto_infer"`
	DebounceMS  int     `yaml:"debounce_ms"`
	PitchStep   float64 `yaml:"pitch_step"`
	AmpFlatStep float64 `yaml:"amp_flat_step"`
}

type OutputConfig struct {
	TempDir    string `yaml:"temp_dir"`
	TempPrefix string `yaml:"temp_prefix"`
}

func Default() Config {
	return Config{
		RuntimeName: "voxedit",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8009,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4223,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4223"},
			ConnectTimeout: 2000,
		},
		History: HistoryConfig{
			Path:          "./data/voxedit-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   5000,
		},
		Synth: SynthConfig{
			Endpoint:         "http://localhost:8008",
			TimeoutMS:        120000,
			MarkerDir:        ".",
			StartupPollMS:    100,
			StartupTimeoutMS: 300000,
		},
		Editor: EditorConfig{
			AutoInfer:   false,
			DebounceMS:  500,
			PitchStep:   0.1,
			AmpFlatStep: 0.025,
		},
		Output: OutputConfig{
			TempDir:    "./output",
			TempPrefix: "temp-",
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOXEDIT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOXEDIT_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOXEDIT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOXEDIT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOXEDIT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOXEDIT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOXEDIT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOXEDIT_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "VOXEDIT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOXEDIT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOXEDIT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOXEDIT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOXEDIT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOXEDIT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOXEDIT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOXEDIT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOXEDIT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOXEDIT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "VOXEDIT_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "VOXEDIT_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "VOXEDIT_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "VOXEDIT_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "VOXEDIT_HISTORY_VACUUM_ON_START")
	overrideString(&cfg.Synth.Endpoint, "VOXEDIT_SYNTH_ENDPOINT")
	overrideInt(&cfg.Synth.TimeoutMS, "VOXEDIT_SYNTH_TIMEOUT_MS")
	overrideBool(&cfg.Synth.QuickAndDirty, "VOXEDIT_SYNTH_QUICK_N_DIRTY")
	overrideString(&cfg.Synth.ServerCommand, "VOXEDIT_SYNTH_SERVER_COMMAND")
	overrideString(&cfg.Synth.MarkerDir, "VOXEDIT_SYNTH_MARKER_DIR")
	overrideInt(&cfg.Synth.StartupPollMS, "VOXEDIT_SYNTH_STARTUP_POLL_MS")
	overrideInt(&cfg.Synth.StartupTimeoutMS, "VOXEDIT_SYNTH_STARTUP_TIMEOUT_MS")
	overrideBool(&cfg.Editor.AutoInfer, "VOXEDIT_EDITOR_AUTO_INFER")
	overrideInt(&cfg.Editor.DebounceMS, "VOXEDIT_EDITOR_DEBOUNCE_MS")
	overrideFloat(&cfg.Editor.PitchStep, "VOXEDIT_EDITOR_PITCH_STEP")
	overrideFloat(&cfg.Editor.AmpFlatStep, "VOXEDIT_EDITOR_AMP_FLAT_STEP")
	overrideString(&cfg.Output.TempDir, "VOXEDIT_OUTPUT_TEMP_DIR")
	overrideString(&cfg.Output.TempPrefix, "VOXEDIT_OUTPUT_TEMP_PREFIX")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
				return errors.New("bus.port must be -1 or between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if strings.TrimSpace(cfg.Synth.Endpoint) == "" {
		return errors.New("synth.endpoint must not be empty")
	}
	if cfg.Synth.TimeoutMS < 0 {
		return errors.New("synth.timeout_ms must be >= 0")
	}
	if cfg.Synth.ServerCommand != "" && cfg.Synth.StartupPollMS <= 0 {
		return errors.New("synth.startup_poll_ms must be positive when server_command is set")
	}
	if cfg.Editor.DebounceMS <= 0 {
		return errors.New("editor.debounce_ms must be positive")
	}
	if cfg.Editor.PitchStep <= 0 {
		return errors.New("editor.pitch_step must be positive")
	}
	if cfg.Editor.AmpFlatStep <= 0 {
		return errors.New("editor.amp_flat_step must be positive")
	}
	if cfg.Output.TempDir == "" {
		return errors.New("output.temp_dir must not be empty")
	}
	if cfg.Output.TempPrefix == "" {
		return errors.New("output.temp_prefix must not be empty")
	}
	return nil
}
