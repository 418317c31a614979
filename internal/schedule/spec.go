// Package schedule models when a task definition is due and converts that
// rule to and from a storage-neutral value.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Wildcard matches every value of a crontab field.
const Wildcard = "*"

var (
	// ErrUnsupportedScheduleKind is returned when a value is not one of the
	// known schedule variants.
	ErrUnsupportedScheduleKind = errors.New("unsupported schedule kind")
	// ErrInvalidSchedule is returned by Validate.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// Kind names a schedule variant.
type Kind string

const (
	KindInterval Kind = "interval"
	KindCrontab  Kind = "crontab"
	KindSolar    Kind = "solar"
)

// Spec is one of Interval, Crontab or Solar.
type Spec interface {
	Kind() Kind
	Validate() error
	String() string
	isSpec()
}

// Interval runs a task every Seconds seconds.
type Interval struct {
	Seconds float64
}

// Every builds an Interval from a duration.
func Every(d time.Duration) Interval { return Interval{Seconds: d.Seconds()} }

func (Interval) Kind() Kind { return KindInterval }
func (Interval) isSpec()    {}

func (i Interval) Duration() time.Duration {
	return time.Duration(i.Seconds * float64(time.Second))
}

func (i Interval) Validate() error {
	if math.IsNaN(i.Seconds) || math.IsInf(i.Seconds, 0) || i.Seconds <= 0 {
		return fmt.Errorf("%w: interval must be > 0 seconds, got %v", ErrInvalidSchedule, i.Seconds)
	}
	return nil
}

func (i Interval) String() string { return fmt.Sprintf("<every %s>", i.Duration()) }

// Crontab holds the five crontab pattern fields as written by the caller.
type Crontab struct {
	Minute      string
	Hour        string
	DayOfWeek   string
	DayOfMonth  string
	MonthOfYear string
}

func (Crontab) Kind() Kind { return KindCrontab }
func (Crontab) isSpec()    {}

// Expr renders the fields in standard crontab order:
// minute hour day-of-month month day-of-week.
func (c Crontab) Expr() string {
	return strings.Join([]string{
		orWildcard(c.Minute),
		orWildcard(c.Hour),
		orWildcard(c.DayOfMonth),
		orWildcard(c.MonthOfYear),
		orWildcard(c.DayOfWeek),
	}, " ")
}

func (c Crontab) Validate() error {
	if _, err := cron.ParseStandard(c.Expr()); err != nil {
		return fmt.Errorf("%w: crontab %q: %v", ErrInvalidSchedule, c.Expr(), err)
	}
	return nil
}

// Next returns the first activation strictly after from.
func (c Crontab) Next(from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(c.Expr())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: crontab %q: %v", ErrInvalidSchedule, c.Expr(), err)
	}
	return sched.Next(from), nil
}

func (c Crontab) String() string { return fmt.Sprintf("<crontab: %s>", c.Expr()) }

func orWildcard(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return Wildcard
	}
	return s
}

// Solar runs a task at a sun event observed from a coordinate.
type Solar struct {
	Event     string
	Latitude  float64
	Longitude float64
}

// SolarEvents lists the accepted Solar.Event values.
var SolarEvents = []string{
	"dawn_astronomical",
	"dawn_nautical",
	"dawn_civil",
	"sunrise",
	"solar_noon",
	"sunset",
	"dusk_civil",
	"dusk_nautical",
	"dusk_astronomical",
}

func (Solar) Kind() Kind { return KindSolar }
func (Solar) isSpec()    {}

func (s Solar) Validate() error {
	known := false
	for _, ev := range SolarEvents {
		if ev == s.Event {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: unknown solar event %q", ErrInvalidSchedule, s.Event)
	}
	if s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidSchedule, s.Latitude)
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidSchedule, s.Longitude)
	}
	return nil
}

func (s Solar) String() string {
	return fmt.Sprintf("<solar: %s at latitude %v, longitude %v>", s.Event, s.Latitude, s.Longitude)
}

// Normalize fills blank crontab fields with the wildcard so equal rules
// compare equal. Other variants are returned unchanged.
func Normalize(spec Spec) Spec {
	switch c := spec.(type) {
	case Crontab:
		return normalizeCrontab(c)
	case *Crontab:
		if c != nil {
			return normalizeCrontab(*c)
		}
	case *Interval:
		if c != nil {
			return *c
		}
	case *Solar:
		if c != nil {
			return *c
		}
	}
	return spec
}

func normalizeCrontab(c Crontab) Crontab {
	return Crontab{
		Minute:      orWildcard(c.Minute),
		Hour:        orWildcard(c.Hour),
		DayOfWeek:   orWildcard(c.DayOfWeek),
		DayOfMonth:  orWildcard(c.DayOfMonth),
		MonthOfYear: orWildcard(c.MonthOfYear),
	}
}
