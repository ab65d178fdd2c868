// config.go: settings struct for psgscore and the functions to load and save it.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/psgscore/internal/annotation"
	"github.com/tphakala/psgscore/internal/detector"
	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// EnvPrefix prefixes environment overrides, e.g. PSGSCORE_SCORING_WORKERS.
const EnvPrefix = "PSGSCORE"

// ScoringSettings controls the scoring engine.
type ScoringSettings struct {
	EpochLength       float64             // seconds per epoch when a recording is split into epochs
	DurationTolerance float64             // allowed difference in seconds between channel and recording duration
	NaNGaps           bool                // treat runs of NaN samples as gaps
	Workers           int                 // concurrent scans in a batch
	CacheTTL          time.Duration       // how long loaded recordings stay in memory
	Rater             string              // rater label for new annotation sets
	Taxonomy          annotation.Taxonomy // allowed stage labels and event types, empty accepts all
}

// IngestSettings controls how WAV files become recordings.
type IngestSettings struct {
	ChannelNames []string // names for WAV channels in order, missing names become ch1, ch2...
	Scale        float64  // multiplier from normalised PCM to physical units
}

// SQLiteSettings configures the SQLite annotation store.
type SQLiteSettings struct {
	Enabled bool   // true to store annotation sets in sqlite
	Path    string // path to sqlite database
}

// MySQLSettings configures the MySQL annotation store.
type MySQLSettings struct {
	Enabled  bool   // true to store annotation sets in mysql
	Username string // username for mysql database
	Password     string // password for mysql database, may reference ${ENV_VARS}
	PasswordFile string // file holding the password, overrides Password
	Database string // database name
	Host     string // database host
	Port     string // database port
}

// OutputSettings controls export and persistence.
type OutputSettings struct {
	Format string // export format: yaml or csv
	Path   string // directory for exported files
	SQLite SQLiteSettings
	MySQL  MySQLSettings
}

// WebServerSettings configures the HTTP API.
type WebServerSettings struct {
	Enabled bool   // true to serve the HTTP API
	Port    string // port for the HTTP API
	Debug   bool   // true to log every request
}

// TelemetrySettings configures the standalone Prometheus endpoint.
type TelemetrySettings struct {
	Enabled bool   // true to enable Prometheus compatible telemetry endpoint
	Listen  string // IP address and port to listen on
}

// SentrySettings configures opt-in error reporting.
type SentrySettings struct {
	Enabled     bool   // true to report errors to Sentry
	DSN         string // Sentry project DSN, may reference ${ENV_VARS}
	DSNFile     string // file holding the DSN, overrides DSN
	Environment string // environment tag on reported events
	Debug       bool   // true to enable Sentry SDK debug output
}

// Settings contains all configuration options for psgscore.
type Settings struct {
	Debug bool // true to enable debug mode

	// Runtime values, not stored in config file
	Version   string `yaml:"-"`
	BuildDate string `yaml:"-"`

	Logging   logger.LoggingConfig       `yaml:"logging" mapstructure:"logging"`
	Scoring   ScoringSettings            // scoring engine settings
	Ingest    IngestSettings             // WAV ingestion settings
	Detectors map[string]detector.Config // named detector presets
	Output    OutputSettings             // export and persistence settings
	WebServer WebServerSettings          // HTTP API settings
	Telemetry TelemetrySettings          // Prometheus endpoint settings
	Sentry    SentrySettings             // error reporting settings
}

// Detector returns the named preset.
func (s *Settings) Detector(name string) (detector.Config, bool) {
	cfg, ok := s.Detectors[name]
	return cfg, ok
}

var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads config.yaml from the default locations, creating it with
// defaults on first run, applies environment overrides and validates the result.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(""); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}
	return unmarshalSettings()
}

// LoadFile is Load for an explicit config file, which must exist.
func LoadFile(path string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(path); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}
	return unmarshalSettings()
}

func unmarshalSettings() (*Settings, error) {
	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper registers defaults and environment overrides and reads the config file.
func initViper(configFile string) error {
	setDefaultConfig()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return errors.New(fmt.Errorf("error reading config file %s: %w", configFile, err)).
				Component("configuration").
				Category(errors.CategoryConfiguration).
				Context("path", configFile).
				Build()
		}
		return nil
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return createDefaultConfig(configPaths[0])
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// createDefaultConfig writes the embedded config.yaml into dir and reads it.
func createDefaultConfig(dir string) error {
	configPath := filepath.Join(dir, "config.yaml")
	data, err := getDefaultConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	GetLogger().Info("created default config file", logger.String("path", configPath))
	viper.SetConfigFile(configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig returns the embedded default config.yaml.
func getDefaultConfig() ([]byte, error) {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return nil, errors.New(err).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return data, nil
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the current settings instance, loading it on first use.
func Setting() *Settings {
	once.Do(func() {
		if GetSettings() == nil {
			if _, err := Load(); err != nil {
				GetLogger().Error("error loading settings", logger.Error(err))
				os.Exit(1)
			}
		}
	})
	return GetSettings()
}

// SaveYAMLConfig writes settings to configPath. The write goes through a
// temporary file so a crash never leaves a truncated config behind.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	// Rename fails across devices; fall back to copy and delete.
	if err := os.Rename(tempFileName, configPath); err != nil {
		if err := moveFile(tempFileName, configPath); err != nil {
			return fmt.Errorf("error copying config file: %w", err)
		}
	}
	return nil
}
