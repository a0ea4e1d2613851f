package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvSecret           = "LANTORRENT_SECRET"
	TrackerDataDirName  = "tracker"
	DefaultListen       = "0.0.0.0:7420"
	DefaultStatus       = "127.0.0.1:7421"
	DefaultBlockSize    = 1 << 20
	DefaultDegree       = 2
	DefaultMaxHops      = 32
	DefaultMaxHeaderLen = 1 << 20
)

type Transfer struct {
	BlockSize       int  `yaml:"blockSize"`
	Degree          int  `yaml:"degree"`
	Checksum        bool `yaml:"checksum"`
	MaxHops         int  `yaml:"maxHops"`
	MaxHeaderLength int  `yaml:"maxHeaderLength"`
}

type Timeouts struct {
	Connect      time.Duration `yaml:"connect"`
	IO           time.Duration `yaml:"io"`
	Status       time.Duration `yaml:"status"`
	Stall        time.Duration `yaml:"stall"` // slowest a branch may accept a block before it is dropped
	HeaderAge    time.Duration `yaml:"headerAge"`
	RejectLinger time.Duration `yaml:"rejectLinger"`
}

type Tracker struct {
	Mode         string        `yaml:"mode"` // sync or async
	Workers      int           `yaml:"workers"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	RetryDelay   time.Duration `yaml:"retryDelay"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second, 0 disables
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Relay  RateLimiterConfig `yaml:"relay"`
	Status RateLimiterConfig `yaml:"status"`
}

type SessionsConfig struct {
	WebSocketReadBufferSize  int `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int `yaml:"maxConnections"`
}

// Node is the configuration of one lantorrent process.
type Node struct {
	Secret        string `yaml:"secret"`
	Listen        string `yaml:"listen"`        // relay bind address
	Advertise     string `yaml:"advertise"`     // relay endpoint as other nodes dial it, defaults to listen
	StatusBinding string `yaml:"statusBinding"` // empty disables the status server
	StatusToken   string `yaml:"statusToken"`   // defaults to the secret
	DataDir       string `yaml:"dataDir"`
	LogLevel      string `yaml:"logLevel"`
	LogFile       string `yaml:"logFile"`

	Transfer     Transfer       `yaml:"transfer"`
	Timeouts     Timeouts       `yaml:"timeouts"`
	Tracker      Tracker        `yaml:"tracker"`
	RateLimiters RateLimiters   `yaml:"rateLimiters"`
	Sessions     SessionsConfig `yaml:"sessions"`
}

var (
	ErrConfigFileMissing        = errors.New("config file is missing")
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrSecretMissing            = errors.New("secret is missing in config and " + EnvSecret + " is not set")
	ErrDataDirMissing           = errors.New("dataDir is missing in config and is required for the tracker store")
	ErrLogLevelInvalid          = errors.New("logLevel must be one of debug, info, warn, error")
	ErrBlockSizeInvalid         = errors.New("transfer.blockSize must be positive")
	ErrDegreeInvalid            = errors.New("transfer.degree must be at least 1")
	ErrTrackerModeInvalid       = errors.New("tracker.mode must be sync or async")
	ErrTimeoutNegative          = errors.New("timeouts cannot be negative")
	ErrRateLimitNegative        = errors.New("rateLimiters limits cannot be negative")
)

// LoadConfig reads, defaults and validates a node configuration. The secret
// from the environment, when set, overrides the file.
func LoadConfig(configFile string) (*Node, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrConfigFileMissing
		}
		return nil, ErrConfigFileUnreadable
	}

	var cfg Node
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}
	if secret := os.Getenv(EnvSecret); secret != "" {
		cfg.Secret = secret
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset value. Timeouts left at zero are filled by
// the components themselves.
func (n *Node) ApplyDefaults() {
	if n.Listen == "" {
		n.Listen = DefaultListen
	}
	if n.Advertise == "" {
		n.Advertise = n.Listen
	}
	if n.StatusToken == "" {
		n.StatusToken = n.Secret
	}
	if n.LogLevel == "" {
		n.LogLevel = "info"
	}
	if n.Transfer.BlockSize == 0 {
		n.Transfer.BlockSize = DefaultBlockSize
	}
	if n.Transfer.Degree == 0 {
		n.Transfer.Degree = DefaultDegree
	}
	if n.Transfer.MaxHops == 0 {
		n.Transfer.MaxHops = DefaultMaxHops
	}
	if n.Transfer.MaxHeaderLength == 0 {
		n.Transfer.MaxHeaderLength = DefaultMaxHeaderLen
	}
	if n.Tracker.Mode == "" {
		n.Tracker.Mode = "async"
	}
}

func (n *Node) Validate() error {
	if n.Secret == "" {
		return ErrSecretMissing
	}
	if n.DataDir == "" {
		return ErrDataDirMissing
	}
	if _, err := ParseLevel(n.LogLevel); err != nil {
		return err
	}
	if n.Transfer.BlockSize < 0 {
		return ErrBlockSizeInvalid
	}
	if n.Transfer.Degree < 1 {
		return ErrDegreeInvalid
	}
	if n.Tracker.Mode != "sync" && n.Tracker.Mode != "async" {
		return ErrTrackerModeInvalid
	}
	t := n.Timeouts
	for _, d := range []time.Duration{t.Connect, t.IO, t.Status, t.Stall, t.HeaderAge, t.RejectLinger, n.Tracker.RetryDelay, n.Tracker.PollInterval} {
		if d < 0 {
			return ErrTimeoutNegative
		}
	}
	if n.RateLimiters.Relay.Limit < 0 || n.RateLimiters.Status.Limit < 0 {
		return ErrRateLimitNegative
	}
	return nil
}

// TrackerDir is where the tracker keeps its store.
func (n *Node) TrackerDir() string {
	return filepath.Join(n.DataDir, TrackerDataDirName)
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, ErrLogLevelInvalid
}
