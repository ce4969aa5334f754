// Package clock is the single source of "now" for the daemon. Business
// logic reasons in the configured civil zone; the schedule store compares
// in UTC. Every conversion between the two happens here and nowhere else.
package clock

import (
	"fmt"
	"time"
)

// Clock yields the current time in the civil zone and in UTC, and converts
// values crossing the store boundary.
type Clock interface {
	// Now returns the current time in the civil zone.
	Now() time.Time
	// NowUTC returns the current time in UTC.
	NowUTC() time.Time
	// Location returns the civil zone.
	Location() *time.Location
	// ToCivil expresses t in the civil zone. A zero-offset naive value
	// read back from a column without timezone is assumed civil.
	ToCivil(t time.Time) time.Time
	// ToStore expresses t in UTC for columns declared with timezone.
	ToStore(t time.Time) time.Time
}

// System is the production clock, pinned to one civil zone.
type System struct {
	loc *time.Location
}

// NewSystem loads the named civil zone.
func NewSystem(zone string) (*System, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("clock: load zone %q: %w", zone, err)
	}
	return &System{loc: loc}, nil
}

func (s *System) Now() time.Time            { return time.Now().In(s.loc) }
func (s *System) NowUTC() time.Time         { return time.Now().UTC() }
func (s *System) Location() *time.Location  { return s.loc }
func (s *System) ToCivil(t time.Time) time.Time { return t.In(s.loc) }
func (s *System) ToStore(t time.Time) time.Time { return t.UTC() }

// Fixed is a test clock frozen at a chosen instant.
type Fixed struct {
	Instant time.Time
	Loc     *time.Location
}

// NewFixed freezes the clock at t expressed in loc.
func NewFixed(t time.Time, loc *time.Location) *Fixed {
	return &Fixed{Instant: t.In(loc), Loc: loc}
}

func (f *Fixed) Now() time.Time            { return f.Instant.In(f.Loc) }
func (f *Fixed) NowUTC() time.Time         { return f.Instant.UTC() }
func (f *Fixed) Location() *time.Location  { return f.Loc }
func (f *Fixed) ToCivil(t time.Time) time.Time { return t.In(f.Loc) }
func (f *Fixed) ToStore(t time.Time) time.Time { return t.UTC() }

// Advance moves the frozen instant forward.
func (f *Fixed) Advance(d time.Duration) { f.Instant = f.Instant.Add(d) }
