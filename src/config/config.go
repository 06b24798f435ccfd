package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/arosloff/streamlet-transparency-logging/src/common"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key.
	DefaultKeyfile = "priv_key"
)

// Default configuration values.
const (
	DefaultLogLevel      = "debug"
	DefaultValidators    = 4
	DefaultEpochDuration = 2 * time.Second
	DefaultInitDelay     = 1 * time.Second
	DefaultOrphanTTL     = 5
	DefaultServiceAddr   = "127.0.0.1:8000"
)

// Config contains all the configuration properties of a streamlet node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogDir, when set, is a directory where info and debug log files are
	// written in addition to stderr.
	LogDir string `mapstructure:"log-dir"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	// Validators is the expected total number of validators in the network.
	// It drives the quorum threshold and leader election; it is not adjusted
	// at runtime.
	Validators int `mapstructure:"validators"`

	// EpochDuration is the fixed wall-clock length of one epoch. All nodes
	// must be configured with the same value.
	EpochDuration time.Duration `mapstructure:"epoch"`

	// InitDelay is how long the node waits after startup before advertising
	// itself, giving peer discovery a chance to settle.
	InitDelay time.Duration `mapstructure:"init-delay"`

	// OrphanTTL is the number of epochs a block with an unresolved parent is
	// buffered before being dropped.
	OrphanTTL uint64 `mapstructure:"orphan-ttl"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:       DefaultDataDir(),
		LogLevel:      DefaultLogLevel,
		Validators:    DefaultValidators,
		EpochDuration: DefaultEpochDuration,
		InitDelay:     DefaultInitDelay,
		OrphanTTL:     DefaultOrphanTTL,
		ServiceAddr:   DefaultServiceAddr,
	}
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// Logger returns a formatted logrus Entry with the prefix set to "streamlet".
// When LogDir is set, info and debug output is additionally written to files
// in that directory.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogDir != "" {
			c.logger.Hooks.Add(lfshook.NewHook(
				lfshook.PathMap{
					logrus.InfoLevel:  filepath.Join(c.LogDir, "streamlet_info.log"),
					logrus.DebugLevel: filepath.Join(c.LogDir, "streamlet_debug.log"),
				},
				&logrus.TextFormatter{},
			))
		}
	}
	return c.logger.WithField("prefix", "streamlet")
}

// DefaultDataDir returns the default directory name for top-level node config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Streamlet")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Streamlet")
		} else {
			return filepath.Join(home, ".streamlet")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
