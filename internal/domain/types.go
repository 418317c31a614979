package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"beatsync/internal/schedule"
)

// TaskDefinition is a named, schedulable unit of work.
type TaskDefinition struct {
	Name          string
	Target        string
	Args          []any
	Kwargs        map[string]any
	Options       map[string]any
	Schedule      schedule.Spec
	LastRunAt     *time.Time
	TotalRunCount int
}

// ResolvedName is the explicit name, falling back to the target.
func (d TaskDefinition) ResolvedName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Target
}

// Validate checks the definition can be recorded.
func (d TaskDefinition) Validate() error {
	if strings.TrimSpace(d.Target) == "" {
		return fmt.Errorf("%w: task target is required", ErrInvalidTaskDefinition)
	}
	if strings.ContainsAny(d.ResolvedName(), "\r\n") {
		return fmt.Errorf("%w: task name must be a single line", ErrInvalidTaskDefinition)
	}
	if d.Schedule == nil {
		return fmt.Errorf("%w: schedule is required", ErrInvalidTaskDefinition)
	}
	if err := d.Schedule.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTaskDefinition, err)
	}
	return nil
}

// Normalized returns a copy with the name resolved, nil collections
// replaced by empty ones and the schedule in canonical form.
func (d TaskDefinition) Normalized() TaskDefinition {
	d.Name = d.ResolvedName()
	if d.Args == nil {
		d.Args = []any{}
	}
	if d.Kwargs == nil {
		d.Kwargs = map[string]any{}
	}
	if d.Options == nil {
		d.Options = map[string]any{}
	}
	if d.Schedule != nil {
		d.Schedule = schedule.Normalize(d.Schedule)
	}
	return d
}

// Clone copies the definition so the copy can be handed to readers.
func (d TaskDefinition) Clone() TaskDefinition {
	if d.Args != nil {
		d.Args = append([]any(nil), d.Args...)
	}
	d.Kwargs = cloneMap(d.Kwargs)
	d.Options = cloneMap(d.Options)
	if d.LastRunAt != nil {
		t := *d.LastRunAt
		d.LastRunAt = &t
	}
	return d
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type wireDefinition struct {
	Name          string         `json:"name"`
	Task          string         `json:"task"`
	Args          []any          `json:"args"`
	Kwargs        map[string]any `json:"kwargs"`
	Options       map[string]any `json:"options"`
	Schedule      any            `json:"schedule"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
	TotalRunCount int            `json:"total_run_count"`
}

func (d TaskDefinition) MarshalJSON() ([]byte, error) {
	n := d.Normalized()
	sched, err := schedule.Serialize(n.Schedule)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireDefinition{
		Name:          n.Name,
		Task:          n.Target,
		Args:          n.Args,
		Kwargs:        n.Kwargs,
		Options:       n.Options,
		Schedule:      sched,
		LastRunAt:     n.LastRunAt,
		TotalRunCount: n.TotalRunCount,
	})
}

func (d *TaskDefinition) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	def, err := parseDefinition(m, false)
	if err != nil {
		return err
	}
	*d = def
	return nil
}

// OpKind is the kind of a recorded change.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpDelete OpKind = "delete"
)

// Operation is one pending change to the schedule. Task is nil for deletes.
type Operation struct {
	Kind OpKind
	Name string
	Task *TaskDefinition
}

// AddOp records def under its resolved name.
func AddOp(def TaskDefinition) Operation {
	n := def.Normalized()
	return Operation{Kind: OpAdd, Name: n.Name, Task: &n}
}

// DeleteOp records the removal of name.
func DeleteOp(name string) Operation {
	return Operation{Kind: OpDelete, Name: name}
}
