package config

import (
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Seconds is a YAML duration written either as a Go duration string ("2s")
// or as plain seconds (2, 2.5).
type Seconds time.Duration

func (s *Seconds) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var f float64
	if err := unmarshal(&f); err == nil {
		*s = Seconds(f * float64(time.Second))
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", str)
	}
	*s = Seconds(d)
	return nil
}

// yamlDurations mirrors the duration keys of Config. A nil field means the
// key is absent from the file.
type yamlDurations struct {
	Prometheus struct {
		Timeout *Seconds `yaml:"timeout"`
	} `yaml:"prometheus"`
	Control struct {
		Timeout *Seconds `yaml:"timeout"`
	} `yaml:"control"`
	AI struct {
		RetryDelay *Seconds `yaml:"retry_delay"`
		Timeout    *Seconds `yaml:"timeout"`
	} `yaml:"ai"`
}

// applyYAMLDurations re-reads the duration keys of data so that numeric
// values mean seconds. Plain yaml decoding would store them as nanoseconds.
func applyYAMLDurations(data []byte, c *Config) error {
	var d yamlDurations
	if err := yaml.Unmarshal(data, &d); err != nil {
		return err
	}
	set := func(dst *time.Duration, v *Seconds) {
		if v != nil {
			*dst = time.Duration(*v)
		}
	}
	set(&c.Prometheus.Timeout, d.Prometheus.Timeout)
	set(&c.Control.Timeout, d.Control.Timeout)
	set(&c.AI.RetryDelay, d.AI.RetryDelay)
	set(&c.AI.Timeout, d.AI.Timeout)
	return nil
}
