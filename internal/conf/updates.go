package conf

import (
	"sort"

	"github.com/spf13/cast"
)

// restartKeys are the settings whose change requires relaunching the
// capture process.
var restartKeys = map[string]bool{
	"input_mode":      true,
	"input_device":    true,
	"rtmp_url":        true,
	"segment_seconds": true,
}

// ApplyUpdates applies an allow-listed patch of raw values. Each key has a
// dedicated cast+clamp; values that fail to cast are ignored for that key.
// Returns the sorted list of keys whose stored value actually changed, and
// signals a capture restart when a restart-affecting key changed.
func (c *Config) ApplyUpdates(updates map[string]any) []string {
	changed := make(map[string]bool)

	c.mu.Lock()
	for key, value := range updates {
		apply, ok := updateCasts[key]
		if !ok {
			continue
		}
		if apply(&c.settings, value) {
			changed[key] = true
		}
	}
	dirty := len(changed) > 0
	c.mu.Unlock()

	if dirty {
		if err := c.save(); err != nil {
			c.logger.Error("failed to persist settings", "error", err)
		}
	}

	restart := false
	keys := make([]string, 0, len(changed))
	for key := range changed {
		keys = append(keys, key)
		if restartKeys[key] {
			restart = true
		}
	}
	sort.Strings(keys)
	if restart {
		c.SignalCaptureRestart()
	}
	return keys
}

// updateCasts is the per-key cast+clamp table. Each entry returns true when
// the stored value changed.
var updateCasts = map[string]func(*Settings, any) bool{
	"http_port": func(s *Settings, v any) bool {
		port, err := cast.ToIntE(v)
		if err != nil {
			return false
		}
		return setInt(&s.HTTPPort, max(1, min(65535, port)))
	},
	"input_mode": func(s *Settings, v any) bool {
		text, err := cast.ToStringE(v)
		if err != nil {
			return false
		}
		return setString(&s.InputMode, NormalizeInputMode(text))
	},
	"input_device": func(s *Settings, v any) bool {
		return castString(&s.InputDevice, v)
	},
	"rtmp_url": func(s *Settings, v any) bool {
		return castString(&s.StreamURL, v)
	},
	"segment_seconds": func(s *Settings, v any) bool {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return false
		}
		return setFloat(&s.SegmentSeconds, max(0.1, f))
	},
	"min_confidence": func(s *Settings, v any) bool {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return false
		}
		return setFloat(&s.MinConfidence, max(0.0, min(1.0, f)))
	},
	"silence_threshold_db": func(s *Settings, v any) bool {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return false
		}
		return setFloat(&s.SilenceThresholdDB, max(-120.0, min(0.0, f)))
	},
	"silence_min_seconds": func(s *Settings, v any) bool {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return false
		}
		return setFloat(&s.SilenceMinSeconds, max(0.0, f))
	},
	"overlay_hold_seconds": func(s *Settings, v any) bool {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return false
		}
		return setFloat(&s.OverlayHoldSeconds, max(1.0, f))
	},
	"overlay_sticky": func(s *Settings, v any) bool {
		return setBool(&s.OverlaySticky, castBool(v))
	},
	"birdnet_template": func(s *Settings, v any) bool {
		return castString(&s.ClassifierTemplate, v)
	},
	"birdnet_workdir": func(s *Settings, v any) bool {
		return castString(&s.ClassifierWorkdir, v)
	},
	"location": func(s *Settings, v any) bool {
		return castString(&s.Location, v)
	},
	"latitude": func(s *Settings, v any) bool {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return false
		}
		return setFloat(&s.Latitude, f)
	},
	"longitude": func(s *Settings, v any) bool {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return false
		}
		return setFloat(&s.Longitude, f)
	},
	"week": func(s *Settings, v any) bool {
		i, err := cast.ToIntE(v)
		if err != nil {
			return false
		}
		return setInt(&s.Week, i)
	},
	"auto_week": func(s *Settings, v any) bool {
		return setBool(&s.AutoWeek, castBool(v))
	},
	"weather_location": func(s *Settings, v any) bool {
		return castString(&s.WeatherLocation, v)
	},
	"weather_unit": func(s *Settings, v any) bool {
		text, err := cast.ToStringE(v)
		if err != nil {
			return false
		}
		return setString(&s.WeatherUnit, NormalizeWeatherUnit(text))
	},
}

func castBool(v any) bool {
	if text, ok := v.(string); ok {
		return ParseBool(text)
	}
	return cast.ToBool(v)
}

func castString(target *string, v any) bool {
	text, err := cast.ToStringE(v)
	if err != nil {
		return false
	}
	return setString(target, text)
}

func setString(target *string, value string) bool {
	if *target == value {
		return false
	}
	*target = value
	return true
}

func setFloat(target *float64, value float64) bool {
	if *target == value {
		return false
	}
	*target = value
	return true
}

func setInt(target *int, value int) bool {
	if *target == value {
		return false
	}
	*target = value
	return true
}

func setBool(target *bool, value bool) bool {
	if *target == value {
		return false
	}
	*target = value
	return true
}
