package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Transport kinds.
const (
	TransportSerial = "serial"
	TransportSPJS   = "spjs"
	TransportSim    = "sim"
)

// Environment variables read by Load.
const (
	EnvConfig    = "STNCTL_CONFIG"
	EnvPort      = "STNCTL_PORT"
	EnvBaud      = "STNCTL_BAUD"
	EnvTransport = "STNCTL_TRANSPORT"
	EnvSPJSURL   = "STNCTL_SPJS_URL"
	EnvLogFile   = "STNCTL_LOG_FILE"
)

type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Log       LogConfig       `yaml:"log"`
}

type TransportConfig struct {
	Kind   string       `yaml:"kind"`
	Serial SerialConfig `yaml:"serial"`
	SPJS   SPJSConfig   `yaml:"spjs"`
	Sim    SimConfig    `yaml:"sim"`
}

// SerialConfig is a directly attached port.
type SerialConfig struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"readTimeout"`
}

// SPJSConfig reaches the port through serial-port-json-server. The port is
// picked by name, or by USB VID/PID when no name is given.
type SPJSConfig struct {
	URL  string `yaml:"url"`
	Port string `yaml:"port"`
	VID  string `yaml:"vid"`
	PID  string `yaml:"pid"`
	Baud int    `yaml:"baud"`

	BufferAlgorithm string `yaml:"bufferAlgorithm"`
}

// SimConfig tunes the built-in simulated station.
type SimConfig struct {
	WorkTime time.Duration `yaml:"workTime"`
}

type DispatchConfig struct {
	EventBuffer      int           `yaml:"eventBuffer"`
	EmergencyTimeout time.Duration `yaml:"emergencyTimeout"`
	MovePayload      string        `yaml:"movePayload"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`

	// Journal is the JSONL record of every frame; empty disables it.
	Journal string `yaml:"journal"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind: TransportSerial,
			Serial: SerialConfig{
				Port:        "/dev/ttyUSB0",
				Baud:        115200,
				ReadTimeout: 100 * time.Millisecond,
			},
			SPJS: SPJSConfig{
				URL:             "ws://localhost:8989/ws",
				Baud:            115200,
				BufferAlgorithm: "default",
			},
			Sim: SimConfig{
				WorkTime: 500 * time.Millisecond,
			},
		},
		Dispatch: DispatchConfig{
			EventBuffer: 256,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// $STNCTL_CONFIG when path is empty), then environment overrides. The result
// is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

func applyEnvOverrides(cfg *Config) error {
	if kind := os.Getenv(EnvTransport); kind != "" {
		cfg.Transport.Kind = kind
	}
	if port := os.Getenv(EnvPort); port != "" {
		cfg.Transport.Serial.Port = port
		cfg.Transport.SPJS.Port = port
	}
	if baud := os.Getenv(EnvBaud); baud != "" {
		n, err := strconv.Atoi(baud)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBaud, err)
		}
		cfg.Transport.Serial.Baud = n
		cfg.Transport.SPJS.Baud = n
	}
	if url := os.Getenv(EnvSPJSURL); url != "" {
		cfg.Transport.SPJS.URL = url
	}
	if file := os.Getenv(EnvLogFile); file != "" {
		cfg.Log.File = file
	}
	return nil
}

func (cfg *Config) Validate() error {
	t := cfg.Transport
	switch t.Kind {
	case TransportSerial:
		if t.Serial.Port == "" {
			return fmt.Errorf("transport.serial.port is required")
		}
		if t.Serial.Baud <= 0 {
			return fmt.Errorf("transport.serial.baud %d must be positive", t.Serial.Baud)
		}
		if t.Serial.ReadTimeout <= 0 || t.Serial.ReadTimeout > 5*time.Second {
			return fmt.Errorf("transport.serial.readTimeout %s is outside (0, 5s]", t.Serial.ReadTimeout)
		}
	case TransportSPJS:
		if !strings.HasPrefix(t.SPJS.URL, "ws://") && !strings.HasPrefix(t.SPJS.URL, "wss://") {
			return fmt.Errorf("transport.spjs.url %q must be a ws:// or wss:// url", t.SPJS.URL)
		}
		if t.SPJS.Port == "" && (t.SPJS.VID == "" || t.SPJS.PID == "") {
			return fmt.Errorf("transport.spjs needs a port name or both vid and pid")
		}
		if t.SPJS.Baud <= 0 {
			return fmt.Errorf("transport.spjs.baud %d must be positive", t.SPJS.Baud)
		}
	case TransportSim:
		if t.Sim.WorkTime < 0 {
			return fmt.Errorf("transport.sim.workTime must not be negative")
		}
	default:
		return fmt.Errorf("transport.kind %q must be one of %s, %s, %s", t.Kind, TransportSerial, TransportSPJS, TransportSim)
	}

	if cfg.Dispatch.EventBuffer <= 0 {
		return fmt.Errorf("dispatch.eventBuffer %d must be positive", cfg.Dispatch.EventBuffer)
	}
	if cfg.Dispatch.EmergencyTimeout < 0 {
		return fmt.Errorf("dispatch.emergencyTimeout must not be negative")
	}
	if strings.ContainsAny(cfg.Dispatch.MovePayload, "\r\n") {
		return fmt.Errorf("dispatch.movePayload must be a single line")
	}
	if cfg.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.maxSizeMb %d must be positive", cfg.Log.MaxSizeMB)
	}
	return nil
}
