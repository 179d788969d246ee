package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nicolasdb/time-tracker-webapp/internal/reconstruct"
)

// PolicyFile is the YAML form of reconstruct.Policy.
//
//	min_duration: 30s
//	tie_break: reject
//	default_zone: UTC
//	tag_zones:
//	  tag-42: Europe/Brussels
//	device_zones:
//	  reader-01: America/New_York
type PolicyFile struct {
	MinDuration string            `yaml:"min_duration"`
	TieBreak    string            `yaml:"tie_break"`
	DefaultZone string            `yaml:"default_zone"`
	TagZones    map[string]string `yaml:"tag_zones"`
	DeviceZones map[string]string `yaml:"device_zones"`
}

// LoadPolicy reads path, or returns the default policy when path is empty.
// A positive minOverride replaces the threshold from the file.
func LoadPolicy(path string, minOverride time.Duration) (reconstruct.Policy, error) {
	policy := reconstruct.DefaultPolicy()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return reconstruct.Policy{}, fmt.Errorf("open policy file: %w", err)
		}
		defer f.Close()
		policy, err = ParsePolicy(f)
		if err != nil {
			return reconstruct.Policy{}, fmt.Errorf("policy file %s: %w", path, err)
		}
	}
	if minOverride > 0 {
		policy.MinDuration = minOverride
	}
	return policy, policy.Validate()
}

// ParsePolicy decodes a YAML policy document. Unknown keys are rejected.
func ParsePolicy(r io.Reader) (reconstruct.Policy, error) {
	var file PolicyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return reconstruct.Policy{}, err
	}
	return file.Policy()
}

// Policy converts the file into a validated reconstruct.Policy.
func (f PolicyFile) Policy() (reconstruct.Policy, error) {
	policy := reconstruct.DefaultPolicy()

	if f.MinDuration != "" {
		d, err := time.ParseDuration(f.MinDuration)
		if err != nil {
			return reconstruct.Policy{}, fmt.Errorf("min_duration: %w", err)
		}
		policy.MinDuration = d
	}
	if f.TieBreak != "" {
		policy.TieBreak = reconstruct.TieBreak(f.TieBreak)
	}
	if f.DefaultZone != "" {
		loc, err := time.LoadLocation(f.DefaultZone)
		if err != nil {
			return reconstruct.Policy{}, fmt.Errorf("default_zone: %w", err)
		}
		policy.DefaultZone = loc
	}

	var err error
	if policy.TagZones, err = loadZones("tag_zones", f.TagZones); err != nil {
		return reconstruct.Policy{}, err
	}
	if policy.DeviceZones, err = loadZones("device_zones", f.DeviceZones); err != nil {
		return reconstruct.Policy{}, err
	}
	return policy, policy.Validate()
}

func loadZones(field string, names map[string]string) (map[string]*time.Location, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make(map[string]*time.Location, len(names))
	for id, name := range names {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", field, id, err)
		}
		out[id] = loc
	}
	return out, nil
}
