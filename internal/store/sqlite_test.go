package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beatsync/internal/domain"
	"beatsync/internal/schedule"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "beat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func nightly() domain.TaskDefinition {
	return domain.TaskDefinition{Name: "nightly", Target: "job.run", Schedule: schedule.Interval{Seconds: 3600}}
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.EnsureSchema(ctx))

	for _, table := range []string{"task_entry", "task_change"} {
		var name string
		err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestUpsertAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, Upsert(ctx, s.DB(), nightly()))
	cron := domain.TaskDefinition{
		Name:     "cleanup",
		Target:   "db.vacuum",
		Args:     []any{"full"},
		Kwargs:   map[string]any{"dry": true},
		Schedule: schedule.Crontab{Minute: "0", Hour: "3", DayOfWeek: "*", DayOfMonth: "*", MonthOfYear: "*"},
	}
	require.NoError(t, Upsert(ctx, s.DB(), cron))

	defs, err := ListAll(ctx, s.DB())
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "cleanup", defs[0].Name)
	assert.Equal(t, []any{"full"}, defs[0].Args)
	assert.Equal(t, map[string]any{"dry": true}, defs[0].Kwargs)
	assert.Equal(t, cron.Schedule, defs[0].Schedule)
	assert.Equal(t, "nightly", defs[1].Name)
	assert.Equal(t, schedule.Interval{Seconds: 3600}, defs[1].Schedule)
}

func TestUpsertReplacesButKeepsRunStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ran := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	def := nightly()
	def.LastRunAt = &ran
	def.TotalRunCount = 7
	require.NoError(t, Upsert(ctx, s.DB(), def))

	replaced := nightly()
	replaced.Target = "job.run_v2"
	replaced.Schedule = schedule.Interval{Seconds: 60}
	require.NoError(t, Upsert(ctx, s.DB(), replaced))

	defs, err := ListAll(ctx, s.DB())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	got := defs[0]
	assert.Equal(t, "job.run_v2", got.Target)
	assert.Equal(t, schedule.Interval{Seconds: 60}, got.Schedule)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, ran.Equal(*got.LastRunAt))
	assert.Equal(t, 7, got.TotalRunCount)
}

func TestDeleteByName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, Upsert(ctx, s.DB(), nightly()))

	require.NoError(t, DeleteByName(ctx, s.DB(), "nightly"))
	require.NoError(t, DeleteByName(ctx, s.DB(), "nightly"), "deleting an absent name is a no-op")

	defs, err := ListAll(ctx, s.DB())
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestChangesKeepLatestPerName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := nightly()
	second := nightly()
	second.Target = "job.other"
	require.NoError(t, RecordChange(ctx, s.DB(), domain.AddOp(first)))
	require.NoError(t, RecordChange(ctx, s.DB(), domain.AddOp(domain.TaskDefinition{Target: "a.b", Schedule: schedule.Interval{Seconds: 1}})))
	require.NoError(t, RecordChange(ctx, s.DB(), domain.AddOp(second)))
	require.NoError(t, RecordChange(ctx, s.DB(), domain.DeleteOp("gone")))

	n, err := PendingChanges(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var ops []domain.Operation
	require.NoError(t, s.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		ops, err = DrainChanges(ctx, tx)
		return err
	}))
	require.Len(t, ops, 3)
	assert.Equal(t, "a.b", ops[0].Name)
	assert.Equal(t, "nightly", ops[1].Name)
	assert.Equal(t, "job.other", ops[1].Task.Target)
	assert.Equal(t, domain.OpDelete, ops[2].Kind)
	assert.Nil(t, ops[2].Task)

	again, err := DrainChanges(ctx, s.DB())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestInTxRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *sql.Tx) error {
		if err := Upsert(ctx, tx, nightly()); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	defs, err := ListAll(ctx, s.DB())
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestDrainSkipsUndecodableRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	db := s.DB()

	insertBroken := func(name string) {
		_, err := db.ExecContext(ctx, `
INSERT INTO task_change (kind,name,task,args,kwargs,options,schedule,changed_at)
VALUES ('add',?,'job.run','[]','{}','{}','"soon"',CURRENT_TIMESTAMP)`, name)
		require.NoError(t, err)
	}

	first := nightly()
	first.Name = "first"
	require.NoError(t, RecordChange(ctx, db, domain.AddOp(first)))
	insertBroken("broken")
	require.NoError(t, RecordChange(ctx, db, domain.DeleteOp("last")))

	ops, err := DrainChanges(ctx, db)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "first", ops[0].Name)
	assert.Equal(t, "last", ops[1].Name)

	n, err := PendingChanges(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, n, "the broken row is cleared with the others")

	insertBroken("alone")
	ops, err = DrainChanges(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, ops)
	n, err = PendingChanges(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, n)
}
