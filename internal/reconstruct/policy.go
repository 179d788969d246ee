// Package reconstruct derives time blocks from the raw presence log.
package reconstruct

import (
	"fmt"
	"time"
)

// DefaultMinDuration is the noise threshold below which a pairing is treated
// as reader bounce.
const DefaultMinDuration = 30 * time.Second

// TieBreak controls how events sharing a pair bound's timestamp are treated.
type TieBreak string

const (
	// TieBreakReject counts any other event at a bound's exact instant as
	// interrupting the pair.
	TieBreakReject TieBreak = "reject"
	// TieBreakStrict only counts events strictly inside the interval.
	TieBreakStrict TieBreak = "strict"
)

// Policy holds the tunables of the pairing rules.
type Policy struct {
	MinDuration time.Duration
	TieBreak    TieBreak
	DefaultZone *time.Location
	TagZones    map[string]*time.Location
	DeviceZones map[string]*time.Location
}

// DefaultPolicy is a 30s threshold, tie rejection and UTC activity dates.
func DefaultPolicy() Policy {
	return Policy{
		MinDuration: DefaultMinDuration,
		TieBreak:    TieBreakReject,
		DefaultZone: time.UTC,
	}
}

// Validate reports configuration mistakes.
func (p Policy) Validate() error {
	if p.MinDuration < 0 {
		return fmt.Errorf("min duration must not be negative, got %s", p.MinDuration)
	}
	switch p.TieBreak {
	case TieBreakReject, TieBreakStrict:
	default:
		return fmt.Errorf("unknown tie break %q", p.TieBreak)
	}
	return nil
}

// ZoneFor picks the zone used for a block's activity date. Tag overrides win
// over device overrides.
func (p Policy) ZoneFor(tagID, deviceID string) *time.Location {
	if loc, ok := p.TagZones[tagID]; ok && loc != nil {
		return loc
	}
	if loc, ok := p.DeviceZones[deviceID]; ok && loc != nil {
		return loc
	}
	if p.DefaultZone != nil {
		return p.DefaultZone
	}
	return time.UTC
}
