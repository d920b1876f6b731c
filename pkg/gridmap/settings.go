package gridmap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings configures a Client. Values resolve in precedence order:
// built-in defaults, then the config file, then GRIDMAP_* environment
// variables, then fields the caller sets explicitly before New.
type Settings struct {
	// RootDir is the store root. Defaults to ~/.gridmap.
	RootDir string `mapstructure:"root_dir"`

	// PollInterval is how often blocking reads re-derive component state.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// RemoveTimeout bounds how long a remove waits for the scheduler's
	// cancellations to settle before reporting an inconsistency.
	RemoveTimeout time.Duration `mapstructure:"remove_timeout"`

	// RequestMemory and RequestDisk are the default per-component resource
	// requests, overridable per map.
	RequestMemory string `mapstructure:"request_memory"`
	RequestDisk   string `mapstructure:"request_disk"`

	// Executable is the binary the scheduler runs for each component.
	// Defaults to the submitting binary itself, which already carries the
	// function registry.
	Executable string `mapstructure:"executable"`
}

func setDefaults(v *viper.Viper) {
	if home, err := os.UserHomeDir(); err == nil {
		v.SetDefault("root_dir", filepath.Join(home, ".gridmap"))
	}
	v.SetDefault("poll_interval", "1s")
	v.SetDefault("remove_timeout", "30s")
	v.SetDefault("request_memory", "128MB")
	v.SetDefault("request_disk", "1GB")
	v.SetDefault("executable", "")
}

// LoadSettings resolves settings from defaults, an optional config file and
// the environment. With an empty configFile the default locations are
// searched (./gridmap.yaml, then ~/.config/gridmap/gridmap.yaml) and a
// missing file is not an error.
func LoadSettings(configFile string) (Settings, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config %q: %w", configFile, err)
		}
	} else {
		v.SetConfigName("gridmap")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "gridmap"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Settings{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("GRIDMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// DefaultSettings returns the built-in defaults without touching the config
// file or the environment.
func DefaultSettings() Settings {
	v := viper.New()
	setDefaults(v)
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		// Defaults always decode; reaching this is a programming error.
		panic(fmt.Sprintf("decode default settings: %v", err))
	}
	return s
}

func (s Settings) validate() error {
	if s.RootDir == "" {
		return fmt.Errorf("settings: root_dir must be set")
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("settings: poll_interval must be positive, got %s", s.PollInterval)
	}
	if s.RemoveTimeout <= 0 {
		return fmt.Errorf("settings: remove_timeout must be positive, got %s", s.RemoveTimeout)
	}
	return nil
}
