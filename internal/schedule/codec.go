package schedule

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	keyMinute      = "minute"
	keyHour        = "hour"
	keyDayOfWeek   = "day_of_week"
	keyDayOfMonth  = "day_of_month"
	keyMonthOfYear = "month_of_year"
	keyEvent       = "event"
	keyLatitude    = "latitude"
	keyLongitude   = "longitude"

	// Written by older releases; still read.
	keyLongitudeLegacy = "longtitude"
)

// Serialize converts a Spec into a portable value: float64 seconds for an
// Interval, or a map[string]any for Crontab and Solar.
func Serialize(spec Spec) (any, error) {
	switch s := spec.(type) {
	case Interval:
		return s.Seconds, nil
	case *Interval:
		if s != nil {
			return s.Seconds, nil
		}
	case Crontab:
		return serializeCrontab(s), nil
	case *Crontab:
		if s != nil {
			return serializeCrontab(*s), nil
		}
	case Solar:
		return serializeSolar(s), nil
	case *Solar:
		if s != nil {
			return serializeSolar(*s), nil
		}
	}
	return nil, fmt.Errorf("serialize schedule: %w: %T", ErrUnsupportedScheduleKind, spec)
}

func serializeCrontab(c Crontab) map[string]any {
	return map[string]any{
		keyMinute:      c.Minute,
		keyHour:        c.Hour,
		keyDayOfWeek:   c.DayOfWeek,
		keyDayOfMonth:  c.DayOfMonth,
		keyMonthOfYear: c.MonthOfYear,
	}
}

func serializeSolar(s Solar) map[string]any {
	return map[string]any{
		keyEvent:     s.Event,
		keyLatitude:  s.Latitude,
		keyLongitude: s.Longitude,
	}
}

// Deserialize restores a Spec from a value produced by Serialize, or from
// equivalent loosely typed input (JSON, YAML). A bare number is an Interval,
// a mapping with an "event" key is Solar, and any other mapping is a Crontab
// whose missing fields default to the wildcard.
func Deserialize(value any) (Spec, error) {
	if secs, ok := toFloat(value); ok {
		return Interval{Seconds: secs}, nil
	}
	m, ok := toMap(value)
	if !ok {
		return nil, fmt.Errorf("deserialize schedule: %w: %T", ErrUnsupportedScheduleKind, value)
	}
	if ev, ok := m[keyEvent]; ok {
		s := Solar{Event: toString(ev)}
		s.Latitude, _ = toFloat(m[keyLatitude])
		lon, ok := m[keyLongitude]
		if !ok {
			lon = m[keyLongitudeLegacy]
		}
		s.Longitude, _ = toFloat(lon)
		return s, nil
	}
	field := func(k string) string {
		v, ok := m[k]
		if !ok || v == nil {
			return Wildcard
		}
		return toString(v)
	}
	return Crontab{
		Minute:      field(keyMinute),
		Hour:        field(keyHour),
		DayOfWeek:   field(keyDayOfWeek),
		DayOfMonth:  field(keyDayOfMonth),
		MonthOfYear: field(keyMonthOfYear),
	}, nil
}

// MarshalJSON encodes a Spec as its portable value.
func MarshalJSON(spec Spec) ([]byte, error) {
	v, err := Serialize(spec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// UnmarshalJSON decodes a portable value written by MarshalJSON.
func UnmarshalJSON(data []byte) (Spec, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("deserialize schedule: %w", err)
	}
	return Deserialize(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	}
	return nil, false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
