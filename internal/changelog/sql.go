package changelog

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog/log"

	"beatsync/internal/domain"
	"beatsync/internal/store"
)

// SQLLog writes each mutation to task_entry and to the task_change mirror in
// the same transaction. Mirror rows are keyed by task name.
type SQLLog struct {
	store *store.Store
}

func NewSQLLog(st *store.Store) *SQLLog { return &SQLLog{store: st} }

// Store exposes the TaskStore the log writes through.
func (l *SQLLog) Store() *store.Store { return l.store }

func (l *SQLLog) Info() string { return "    . db -> " + l.store.DSN() }

func (l *SQLLog) Close() error { return l.store.Close() }

func (l *SQLLog) AddTask(ctx context.Context, def domain.TaskDefinition) error {
	def, err := prepare(def)
	if err != nil {
		return err
	}
	err = l.store.InTx(ctx, func(tx *sql.Tx) error {
		if err := store.Upsert(ctx, tx, def); err != nil {
			return err
		}
		return store.RecordChange(ctx, tx, domain.AddOp(def))
	})
	if err != nil {
		return err
	}
	log.Info().Str("task", def.Name).Str("target", def.Target).Msg("add task")
	return nil
}

func (l *SQLLog) UpdateTask(ctx context.Context, def domain.TaskDefinition) error {
	return l.AddTask(ctx, def)
}

// DeleteTask removes the task_entry row, if any, and records the delete.
func (l *SQLLog) DeleteTask(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	err := l.store.InTx(ctx, func(tx *sql.Tx) error {
		if err := store.DeleteByName(ctx, tx, name); err != nil {
			return err
		}
		return store.RecordChange(ctx, tx, domain.DeleteOp(name))
	})
	if err != nil {
		return err
	}
	log.Info().Str("task", name).Msg("delete task")
	return nil
}

// Drain reads and deletes the mirror rows in its own transaction. The
// scheduler uses DrainTx instead so the merge commits with the drain.
func (l *SQLLog) Drain(ctx context.Context) ([]domain.Operation, error) {
	var ops []domain.Operation
	err := l.store.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		ops, err = l.DrainTx(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func (l *SQLLog) DrainTx(ctx context.Context, tx *sql.Tx) ([]domain.Operation, error) {
	return store.DrainChanges(ctx, tx)
}
