// config.go: settings struct and load/save for the overlay server.
package conf

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/tphakala/featherfront/internal/logging"
)

// Input modes for the capture supervisor.
const (
	InputModeStream = "stream"
	InputModeDevice = "avfoundation"
)

// Settings holds the live tunable configuration. Field names map onto the
// keys of the canonical settings.json file.
type Settings struct {
	HTTPPort           int     `json:"http_port" mapstructure:"http_port"`
	InputMode          string  `json:"input_mode" mapstructure:"input_mode"`
	InputDevice        string  `json:"input_device" mapstructure:"input_device"`
	StreamURL          string  `json:"rtmp_url" mapstructure:"rtmp_url"`
	SegmentSeconds     float64 `json:"segment_seconds" mapstructure:"segment_seconds"`
	MinConfidence      float64 `json:"min_confidence" mapstructure:"min_confidence"`
	SilenceThresholdDB float64 `json:"silence_threshold_db" mapstructure:"silence_threshold_db"`
	SilenceMinSeconds  float64 `json:"silence_min_seconds" mapstructure:"silence_min_seconds"`
	OverlayHoldSeconds float64 `json:"overlay_hold_seconds" mapstructure:"overlay_hold_seconds"`
	OverlaySticky      bool    `json:"overlay_sticky" mapstructure:"overlay_sticky"`
	ClassifierTemplate string  `json:"birdnet_template" mapstructure:"birdnet_template"`
	ClassifierWorkdir  string  `json:"birdnet_workdir" mapstructure:"birdnet_workdir"`
	Location           string  `json:"location" mapstructure:"location"`
	Latitude           float64 `json:"latitude" mapstructure:"latitude"`
	Longitude          float64 `json:"longitude" mapstructure:"longitude"`
	Week               int     `json:"week" mapstructure:"week"`
	AutoWeek           bool    `json:"auto_week" mapstructure:"auto_week"`
	WeatherLocation    string  `json:"weather_location" mapstructure:"weather_location"`
	WeatherUnit        string  `json:"weather_unit" mapstructure:"weather_unit"`
	AuthEnabled        bool    `json:"settings_auth_enabled" mapstructure:"settings_auth_enabled"`
	AuthUser           string  `json:"settings_auth_user" mapstructure:"settings_auth_user"`
	AuthPasswordHash   string  `json:"settings_auth_password_hash,omitempty" mapstructure:"settings_auth_password_hash"`
}

// Snapshot is the view of Settings handed to other components and to HTTP
// clients. It never carries the password hash and adds the computed week.
type Snapshot struct {
	Settings
	CurrentWeek int `json:"current_week"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		HTTPPort:           8002,
		InputMode:          InputModeStream,
		InputDevice:        "",
		StreamURL:          "",
		SegmentSeconds:     3,
		MinConfidence:      0.25,
		SilenceThresholdDB: -45.0,
		SilenceMinSeconds:  0.2,
		OverlayHoldSeconds: 60,
		OverlaySticky:      false,
		ClassifierTemplate: "python3 -m birdnet_analyzer.analyze {input} -o {output} --rtype csv --min_conf {min_conf} --lat {lat} --lon {lon} --week {week}",
		ClassifierWorkdir:  "",
		Location:           "Stream",
		Latitude:           -1,
		Longitude:          -1,
		Week:               -1,
		AutoWeek:           false,
		WeatherLocation:    "YOUR_ZIP",
		WeatherUnit:        "fahrenheit",
		AuthEnabled:        false,
		AuthUser:           "admin",
		AuthPasswordHash:   "",
	}
}

// Config is the live configuration store. All access goes through the
// mutex; capture restart is a separate edge-triggered flag.
type Config struct {
	mu       sync.RWMutex
	settings Settings
	paths    Paths
	restart  atomic.Bool
	logger   *slog.Logger
}

// Load reads the canonical settings file (falling back to the legacy file),
// overlays environment overrides and writes the canonical file back if it
// did not yet exist.
func Load(paths Paths) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	source := paths.Settings
	if _, err := os.Stat(source); err != nil {
		source = paths.LegacyConfig
	}
	if _, err := os.Stat(source); err == nil {
		v.SetConfigFile(source)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", source, err)
		}
	}

	settings := DefaultSettings()
	// Only known keys from the file are honored; everything else keeps its
	// default.
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyEnvOverrides(&settings)

	if password := os.Getenv("SETTINGS_AUTH_PASSWORD"); password != "" {
		settings.AuthPasswordHash = HashPassword(password)
		settings.AuthEnabled = true
	}

	settings.WeatherUnit = NormalizeWeatherUnit(settings.WeatherUnit)
	if strings.TrimSpace(settings.WeatherLocation) == "" {
		settings.WeatherLocation = "YOUR_ZIP"
	}
	settings.AuthUser = strings.TrimSpace(settings.AuthUser)
	if settings.AuthUser == "" {
		settings.AuthUser = "admin"
	}
	settings.AuthPasswordHash = strings.TrimSpace(settings.AuthPasswordHash)

	cfg := &Config{
		settings: settings,
		paths:    paths,
		logger:   logging.ForService("conf"),
	}

	// Consolidate runtime settings into the canonical file.
	if _, err := os.Stat(paths.Settings); err != nil {
		if err := cfg.save(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// envOverride applies one environment variable with a typed setter;
// unparseable values leave the setting untouched.
func envOverride(name string, apply func(string) error) {
	value := os.Getenv(name)
	if value == "" {
		return
	}
	_ = apply(value)
}

func applyEnvOverrides(s *Settings) {
	envOverride("HTTP_PORT", func(v string) error {
		port, err := cast.ToIntE(v)
		if err == nil {
			s.HTTPPort = port
		}
		return err
	})
	envOverride("INPUT_MODE", func(v string) error { s.InputMode = v; return nil })
	envOverride("INPUT_DEVICE", func(v string) error { s.InputDevice = v; return nil })
	envOverride("RTMP_URL", func(v string) error { s.StreamURL = v; return nil })
	envOverride("SEGMENT_SECONDS", func(v string) error {
		f, err := cast.ToFloat64E(v)
		if err == nil {
			s.SegmentSeconds = f
		}
		return err
	})
	envOverride("MIN_CONFIDENCE", func(v string) error {
		f, err := cast.ToFloat64E(v)
		if err == nil {
			s.MinConfidence = f
		}
		return err
	})
	envOverride("SILENCE_THRESHOLD_DB", func(v string) error {
		f, err := cast.ToFloat64E(v)
		if err == nil {
			s.SilenceThresholdDB = f
		}
		return err
	})
	envOverride("SILENCE_MIN_SECONDS", func(v string) error {
		f, err := cast.ToFloat64E(v)
		if err == nil {
			s.SilenceMinSeconds = f
		}
		return err
	})
	envOverride("OVERLAY_HOLD_SECONDS", func(v string) error {
		f, err := cast.ToFloat64E(v)
		if err == nil {
			s.OverlayHoldSeconds = f
		}
		return err
	})
	envOverride("OVERLAY_STICKY", func(v string) error { s.OverlaySticky = ParseBool(v); return nil })
	envOverride("BIRDNET_TEMPLATE", func(v string) error { s.ClassifierTemplate = v; return nil })
	envOverride("BIRDNET_WORKDIR", func(v string) error { s.ClassifierWorkdir = v; return nil })
	envOverride("LOCATION_LABEL", func(v string) error { s.Location = v; return nil })
	envOverride("LATITUDE", func(v string) error {
		f, err := cast.ToFloat64E(v)
		if err == nil {
			s.Latitude = f
		}
		return err
	})
	envOverride("LONGITUDE", func(v string) error {
		f, err := cast.ToFloat64E(v)
		if err == nil {
			s.Longitude = f
		}
		return err
	})
	envOverride("WEEK", func(v string) error {
		i, err := cast.ToIntE(v)
		if err == nil {
			s.Week = i
		}
		return err
	})
	envOverride("AUTO_WEEK", func(v string) error { s.AutoWeek = ParseBool(v); return nil })
	envOverride("WEATHER_LOCATION", func(v string) error { s.WeatherLocation = v; return nil })
	envOverride("WEATHER_UNIT", func(v string) error { s.WeatherUnit = NormalizeWeatherUnit(v); return nil })
	envOverride("SETTINGS_AUTH_ENABLED", func(v string) error { s.AuthEnabled = ParseBool(v); return nil })
	envOverride("SETTINGS_AUTH_USER", func(v string) error { s.AuthUser = v; return nil })
	envOverride("SETTINGS_AUTH_PASSWORD_HASH", func(v string) error { s.AuthPasswordHash = v; return nil })
}

// Snapshot returns a copy of the current settings with the password hash
// removed and the computed week added.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	s := c.settings
	c.mu.RUnlock()
	s.AuthPasswordHash = ""
	return Snapshot{Settings: s, CurrentWeek: CurrentWeek(time.Now())}
}

// AuthCredentials returns the authentication gate state. Auth is effective
// only when enabled and a password hash is present.
func (c *Config) AuthCredentials() (enabled bool, user, passwordHash string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	user = strings.TrimSpace(c.settings.AuthUser)
	if user == "" {
		user = "admin"
	}
	passwordHash = strings.TrimSpace(c.settings.AuthPasswordHash)
	enabled = c.settings.AuthEnabled && passwordHash != ""
	return enabled, user, passwordHash
}

// HTTPPort returns the configured listen port.
func (c *Config) HTTPPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.HTTPPort
}

// Paths returns the filesystem layout this configuration was loaded with.
func (c *Config) Paths() Paths {
	return c.paths
}

// SignalCaptureRestart sets the edge-triggered capture restart flag.
func (c *Config) SignalCaptureRestart() {
	c.restart.Store(true)
}

// ConsumeCaptureRestart clears the restart flag and reports whether it was
// set. Only the capture supervisor should call this.
func (c *Config) ConsumeCaptureRestart() bool {
	return c.restart.CompareAndSwap(true, false)
}

// save persists the full settings, hash included, to the canonical file.
// Callers must not hold the mutex for writing.
func (c *Config) save() error {
	c.mu.RLock()
	encoded, err := json.MarshalIndent(settingsDocument(c.settings), "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := os.WriteFile(c.paths.Settings, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", c.paths.Settings, err)
	}
	return nil
}

// settingsDocument keeps the password hash in the persisted document even
// when empty, so the stored file always lists every key.
func settingsDocument(s Settings) map[string]any {
	var doc map[string]any
	encoded, _ := json.Marshal(s)
	_ = json.Unmarshal(encoded, &doc)
	if doc == nil {
		doc = map[string]any{}
	}
	doc["settings_auth_password_hash"] = s.AuthPasswordHash
	return doc
}

// ParseBool interprets the usual truthy strings.
func ParseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// NormalizeWeatherUnit maps unit aliases to the two stored values.
func NormalizeWeatherUnit(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "c", "celsius", "metric":
		return "celsius"
	}
	return "fahrenheit"
}

// NormalizeInputMode maps mode aliases to the two stored values.
func NormalizeInputMode(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "avfoundation", "device", "local":
		return InputModeDevice
	}
	return InputModeStream
}

// CurrentWeek derives the 1..48 week number used by the classifier from the
// day of year.
func CurrentWeek(now time.Time) int {
	week := (now.YearDay()-1)/7 + 1
	return max(1, min(48, week))
}
