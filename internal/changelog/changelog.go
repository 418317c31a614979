// Package changelog records schedule mutations durably until the scheduler
// drains them. Three backends share the ChangeLog interface:
//
//   - file: newline-delimited records in a flock-guarded file
//   - kv:   one "operations" list in a bbolt blob store
//   - sql:  a pending-change table written alongside the TaskStore
package changelog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"beatsync/internal/domain"
	"beatsync/internal/store"
)

// ChangeLog is the capability set shared by every backend.
type ChangeLog interface {
	AddTask(ctx context.Context, def domain.TaskDefinition) error
	// UpdateTask is AddTask: the latest recorded definition wins.
	UpdateTask(ctx context.Context, def domain.TaskDefinition) error
	DeleteTask(ctx context.Context, name string) error
	// Drain returns every operation recorded since the previous drain, in
	// recording order, and clears them.
	Drain(ctx context.Context) ([]domain.Operation, error)
	// Info names the persistence location.
	Info() string
	Close() error
}

const (
	BackendFile = "file"
	BackendKV   = "kv"
	BackendSQL  = "sql"
)

// Retry bounds how long an open waits on a contended or failing store.
type Retry struct {
	Attempts int
	Interval time.Duration
}

// DefaultRetry is 10 attempts, 10ms apart.
var DefaultRetry = Retry{Attempts: 10, Interval: 10 * time.Millisecond}

func (r Retry) normalized() Retry {
	if r.Attempts <= 0 {
		r.Attempts = DefaultRetry.Attempts
	}
	if r.Interval <= 0 {
		r.Interval = DefaultRetry.Interval
	}
	return r
}

// Config selects and locates a backend.
type Config struct {
	Backend string
	Path    string // file and kv
	DSN     string // sql
	Retry   Retry
}

// BackendName resolves aliases to one of the Backend constants. Unknown names
// are returned lower-cased and unchanged.
func BackendName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "bolt", "shelve":
		return BackendKV
	case "sqlite", "database":
		return BackendSQL
	}
	return name
}

// Open builds the configured backend.
func Open(cfg Config) (ChangeLog, error) {
	switch BackendName(cfg.Backend) {
	case BackendFile:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("changelog: path is required for the file backend")
		}
		return NewFileLog(cfg.Path, cfg.Retry), nil
	case BackendKV:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("changelog: path is required for the kv backend")
		}
		return NewKVLog(cfg.Path, cfg.Retry), nil
	case BackendSQL:
		st, err := store.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := st.EnsureSchema(context.Background()); err != nil {
			st.Close()
			return nil, fmt.Errorf("changelog: ensure schema: %w", err)
		}
		return NewSQLLog(st), nil
	default:
		return nil, fmt.Errorf("changelog: unknown backend %q", cfg.Backend)
	}
}

// retry calls fn until it succeeds or the attempts run out, sleeping
// r.Interval between failures.
func retry(r Retry, what string, fn func() error) error {
	r = r.normalized()
	var err error
	for i := 0; i < r.Attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		log.Warn().Err(err).Str("op", what).Int("attempt", i+1).Msg("try open failed")
		time.Sleep(r.Interval)
	}
	log.Error().Err(err).Str("op", what).Int("attempts", r.Attempts).Msg("try open failed for consecutive times, stop trying")
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageUnavailable, what, err)
}

func prepare(def domain.TaskDefinition) (domain.TaskDefinition, error) {
	if err := def.Validate(); err != nil {
		return def, err
	}
	return def.Normalized(), nil
}

func checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: task name is required", domain.ErrInvalidTaskDefinition)
	}
	if strings.ContainsAny(name, "\r\n") {
		return fmt.Errorf("%w: task name must be a single line", domain.ErrInvalidTaskDefinition)
	}
	return nil
}
