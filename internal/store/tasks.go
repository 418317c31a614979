package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"beatsync/internal/domain"
	"beatsync/internal/schedule"
)

type encodedDefinition struct {
	args, kwargs, options, schedule string
}

func encodeDefinition(def domain.TaskDefinition) (encodedDefinition, error) {
	def = def.Normalized()
	var (
		e   encodedDefinition
		b   []byte
		err error
	)
	if b, err = json.Marshal(def.Args); err != nil {
		return e, fmt.Errorf("encode args: %w", err)
	}
	e.args = string(b)
	if b, err = json.Marshal(def.Kwargs); err != nil {
		return e, fmt.Errorf("encode kwargs: %w", err)
	}
	e.kwargs = string(b)
	if b, err = json.Marshal(def.Options); err != nil {
		return e, fmt.Errorf("encode options: %w", err)
	}
	e.options = string(b)
	if b, err = schedule.MarshalJSON(def.Schedule); err != nil {
		return e, err
	}
	e.schedule = string(b)
	return e, nil
}

func decodeDefinition(name, task string, e encodedDefinition) (domain.TaskDefinition, error) {
	def := domain.TaskDefinition{Name: name, Target: task}
	if err := json.Unmarshal([]byte(e.args), &def.Args); err != nil {
		return def, fmt.Errorf("decode args of %q: %w", name, err)
	}
	if err := json.Unmarshal([]byte(e.kwargs), &def.Kwargs); err != nil {
		return def, fmt.Errorf("decode kwargs of %q: %w", name, err)
	}
	if err := json.Unmarshal([]byte(e.options), &def.Options); err != nil {
		return def, fmt.Errorf("decode options of %q: %w", name, err)
	}
	spec, err := schedule.UnmarshalJSON([]byte(e.schedule))
	if err != nil {
		return def, fmt.Errorf("decode schedule of %q: %w", name, err)
	}
	def.Schedule = spec
	return def.Normalized(), nil
}

// ListAll returns every task_entry row ordered by name.
func ListAll(ctx context.Context, q DBTX) ([]domain.TaskDefinition, error) {
	rows, err := q.QueryContext(ctx, `
SELECT name,task,args,kwargs,options,schedule,last_run_at,total_run_count
FROM task_entry ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []domain.TaskDefinition
	for rows.Next() {
		var (
			name, task string
			e          encodedDefinition
			lastRun    sql.NullString
			count      int
		)
		if err := rows.Scan(&name, &task, &e.args, &e.kwargs, &e.options, &e.schedule, &lastRun, &count); err != nil {
			return nil, err
		}
		def, err := decodeDefinition(name, task, e)
		if err != nil {
			return nil, err
		}
		if lastRun.Valid {
			t, err := time.Parse(time.RFC3339Nano, lastRun.String)
			if err != nil {
				return nil, fmt.Errorf("decode last_run_at of %q: %w", name, err)
			}
			def.LastRunAt = &t
		}
		def.TotalRunCount = count
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// Upsert inserts def, or fully replaces the row with the same name. The
// stored last_run_at is kept when def carries none, and total_run_count is
// kept unless def's count is positive.
func Upsert(ctx context.Context, q DBTX, def domain.TaskDefinition) error {
	def = def.Normalized()
	e, err := encodeDefinition(def)
	if err != nil {
		return err
	}
	var lastRun any
	if def.LastRunAt != nil {
		lastRun = def.LastRunAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = q.ExecContext(ctx, `
INSERT INTO task_entry (id,name,task,args,kwargs,options,schedule,last_run_at,total_run_count,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
ON CONFLICT(name) DO UPDATE SET
  task=excluded.task,
  args=excluded.args,
  kwargs=excluded.kwargs,
  options=excluded.options,
  schedule=excluded.schedule,
  last_run_at=COALESCE(excluded.last_run_at, task_entry.last_run_at),
  total_run_count=CASE WHEN excluded.total_run_count > 0 THEN excluded.total_run_count ELSE task_entry.total_run_count END,
  updated_at=CURRENT_TIMESTAMP
`, "ent_"+uuid.NewString(), def.Name, def.Target, e.args, e.kwargs, e.options, e.schedule, lastRun, def.TotalRunCount)
	if err != nil {
		return fmt.Errorf("upsert %q: %w", def.Name, err)
	}
	return nil
}

// DeleteByName removes the row for name. Deleting an absent name is a no-op.
func DeleteByName(ctx context.Context, q DBTX, name string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM task_entry WHERE name=?", name); err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	return nil
}

// RecordChange replaces the pending-change row for op.Name, so only the
// latest operation per name is kept. Replacing also moves the row to the end
// of the drain order.
func RecordChange(ctx context.Context, q DBTX, op domain.Operation) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM task_change WHERE name=?", op.Name); err != nil {
		return fmt.Errorf("record change %q: %w", op.Name, err)
	}
	var (
		task                         any
		args, kwargs, options, sched any
	)
	if op.Kind == domain.OpAdd && op.Task != nil {
		e, err := encodeDefinition(*op.Task)
		if err != nil {
			return err
		}
		task, args, kwargs, options, sched = op.Task.Target, e.args, e.kwargs, e.options, e.schedule
	}
	_, err := q.ExecContext(ctx, `
INSERT INTO task_change (kind,name,task,args,kwargs,options,schedule,changed_at)
VALUES (?,?,?,?,?,?,?,CURRENT_TIMESTAMP)`, string(op.Kind), op.Name, task, args, kwargs, options, sched)
	if err != nil {
		return fmt.Errorf("record change %q: %w", op.Name, err)
	}
	return nil
}

// DrainChanges reads every pending-change row in recording order and deletes
// them. Rows that cannot be decoded are logged and deleted with the rest. Run
// it inside a transaction so two drains never see the same rows.
func DrainChanges(ctx context.Context, q DBTX) ([]domain.Operation, error) {
	ops, maxSeq, err := readChanges(ctx, q)
	if err != nil || maxSeq == 0 {
		return ops, err
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM task_change WHERE seq <= ?", maxSeq); err != nil {
		return nil, fmt.Errorf("clear changes: %w", err)
	}
	return ops, nil
}

// PendingChanges counts rows waiting to be drained.
func PendingChanges(ctx context.Context, q DBTX) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_change").Scan(&n)
	return n, err
}

func readChanges(ctx context.Context, q DBTX) ([]domain.Operation, int64, error) {
	rows, err := q.QueryContext(ctx, `
SELECT seq,kind,name,task,args,kwargs,options,schedule
FROM task_change ORDER BY seq`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		ops    []domain.Operation
		maxSeq int64
	)
	for rows.Next() {
		var (
			seq                                int64
			kind, name                         string
			task, args, kwargs, options, sched sql.NullString
		)
		if err := rows.Scan(&seq, &kind, &name, &task, &args, &kwargs, &options, &sched); err != nil {
			return nil, 0, err
		}
		maxSeq = seq
		switch domain.OpKind(kind) {
		case domain.OpDelete:
			ops = append(ops, domain.DeleteOp(name))
		case domain.OpAdd:
			def, err := decodeDefinition(name, task.String, encodedDefinition{
				args: args.String, kwargs: kwargs.String, options: options.String, schedule: sched.String,
			})
			if err != nil {
				log.Warn().Err(err).Int64("seq", seq).Str("task", name).Msg("skip undecodable change row")
				continue
			}
			ops = append(ops, domain.Operation{Kind: domain.OpAdd, Name: name, Task: &def})
		default:
			log.Warn().Int64("seq", seq).Str("kind", kind).Str("task", name).Msg("skip unknown change row")
		}
	}
	return ops, maxSeq, rows.Err()
}
