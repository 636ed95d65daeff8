package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a time.Duration that unmarshals from a Go duration string
// ("30s", "2h30m"). Empty strings decode to zero, which means "use the
// default" everywhere in this config.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := parseDurationField(raw)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func parseDurationField(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("duration must be >= 0, got %q", raw)
	}
	return v, nil
}
