package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"beatsync/internal/schedule"
)

// ParseDefinition builds a TaskDefinition from loosely typed input such as a
// decoded JSON body or a YAML mapping. The target is read from "task"
// (or "target"); it must be a non-empty string.
func ParseDefinition(m map[string]any) (TaskDefinition, error) {
	return parseDefinition(m, true)
}

func parseDefinition(m map[string]any, validate bool) (TaskDefinition, error) {
	var d TaskDefinition

	rawTarget, ok := m["task"]
	if !ok {
		rawTarget, ok = m["target"]
	}
	if !ok || rawTarget == nil {
		return d, fmt.Errorf("%w: task target is required", ErrInvalidTaskDefinition)
	}
	target, ok := rawTarget.(string)
	if !ok {
		return d, fmt.Errorf("%w: value of task target must be a string, got %T", ErrInvalidTaskDefinition, rawTarget)
	}
	d.Target = target

	if raw, ok := m["name"]; ok && raw != nil {
		name, ok := raw.(string)
		if !ok {
			return d, fmt.Errorf("%w: name must be a string, got %T", ErrInvalidTaskDefinition, raw)
		}
		d.Name = name
	}

	switch raw := m["args"].(type) {
	case nil:
	case []any:
		d.Args = raw
	default:
		return d, fmt.Errorf("%w: args must be a list, got %T", ErrInvalidTaskDefinition, raw)
	}

	var err error
	if d.Kwargs, err = mapField(m, "kwargs"); err != nil {
		return d, err
	}
	if d.Options, err = mapField(m, "options"); err != nil {
		return d, err
	}

	rawSched, ok := m["schedule"]
	if !ok {
		return d, fmt.Errorf("%w: schedule is required", ErrInvalidTaskDefinition)
	}
	if d.Schedule, err = schedule.Deserialize(rawSched); err != nil {
		return d, fmt.Errorf("%w: %w", ErrInvalidTaskDefinition, err)
	}

	switch raw := m["last_run_at"].(type) {
	case nil:
	case string:
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return d, fmt.Errorf("%w: last_run_at: %v", ErrInvalidTaskDefinition, err)
		}
		d.LastRunAt = &t
	case time.Time:
		d.LastRunAt = &raw
	default:
		return d, fmt.Errorf("%w: last_run_at must be a timestamp, got %T", ErrInvalidTaskDefinition, raw)
	}

	switch raw := m["total_run_count"].(type) {
	case nil:
	case float64:
		d.TotalRunCount = int(raw)
	case int:
		d.TotalRunCount = raw
	case json.Number:
		n, err := raw.Int64()
		if err != nil {
			return d, fmt.Errorf("%w: total_run_count: %v", ErrInvalidTaskDefinition, err)
		}
		d.TotalRunCount = int(n)
	default:
		return d, fmt.Errorf("%w: total_run_count must be an integer, got %T", ErrInvalidTaskDefinition, raw)
	}

	if validate {
		if err := d.Validate(); err != nil {
			return d, err
		}
	}
	return d.Normalized(), nil
}

func mapField(m map[string]any, key string) (map[string]any, error) {
	switch raw := m[key].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return raw, nil
	case map[any]any:
		out := make(map[string]any, len(raw))
		for k, v := range raw {
			out[fmt.Sprint(k)] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a mapping, got %T", ErrInvalidTaskDefinition, key, raw)
	}
}
