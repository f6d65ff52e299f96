package config

import (
	"log/slog"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Resolver performs hierarchical config lookup: a pipeline's
// config_metadata wins, then Settings, then the caller's default.
//
// The resolver is the only component that reads config_metadata. Callers
// pass the metadata map of the pipeline in effect (nil when there is none)
// and always receive a usable value, so per-pipeline overrides work without
// a restart while baselines stay process-wide.
type Resolver struct {
	settings *Settings
}

// NewResolver creates a Resolver over immutable settings.
func NewResolver(settings *Settings) *Resolver {
	return &Resolver{settings: settings}
}

// Settings returns the underlying process-wide settings.
func (r *Resolver) Settings() *Settings {
	return r.settings
}

// Resolve returns the raw value for key: metadata override, else the
// setting, else the caller default.
func (r *Resolver) Resolve(key string, meta map[string]any, def any) any {
	if meta != nil {
		if v, ok := meta[key]; ok && v != nil {
			return v
		}
	}
	if r.settings != nil {
		if v, ok := r.settings.Value(key); ok {
			return v
		}
	}
	return def
}

// String resolves key and coerces the value to a string.
func (r *Resolver) String(key string, meta map[string]any, def string) string {
	out := def
	r.decode(key, meta, def, &out)
	return out
}

// Int resolves key and coerces the value to an int.
func (r *Resolver) Int(key string, meta map[string]any, def int) int {
	out := def
	r.decode(key, meta, def, &out)
	return out
}

// Float64 resolves key and coerces the value to a float64.
func (r *Resolver) Float64(key string, meta map[string]any, def float64) float64 {
	out := def
	r.decode(key, meta, def, &out)
	return out
}

// Bool resolves key and coerces the value to a bool.
func (r *Resolver) Bool(key string, meta map[string]any, def bool) bool {
	out := def
	r.decode(key, meta, def, &out)
	return out
}

// Duration resolves key and coerces the value to a time.Duration.
// Strings like "30s" and integer nanoseconds are both accepted.
func (r *Resolver) Duration(key string, meta map[string]any, def time.Duration) time.Duration {
	raw := r.Resolve(key, meta, def)
	if d, ok := raw.(time.Duration); ok {
		return d
	}
	var out time.Duration
	if err := weakDecode(raw, &out); err != nil {
		slog.Debug("Config value not coercible, using default", "key", key, "value", raw, "error", err)
		return def
	}
	return out
}

func (r *Resolver) decode(key string, meta map[string]any, def, out any) {
	raw := r.Resolve(key, meta, def)
	if err := weakDecode(raw, out); err != nil {
		slog.Debug("Config value not coercible, using default", "key", key, "value", raw, "error", err)
	}
}

// weakDecode coerces between scalar types the way YAML users expect:
// "42" to int, 1 to true, "30s" to a duration.
func weakDecode(input, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
