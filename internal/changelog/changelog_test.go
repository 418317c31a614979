package changelog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sys/unix"

	"beatsync/internal/domain"
	"beatsync/internal/schedule"
)

var fastRetry = Retry{Attempts: 3, Interval: time.Millisecond}

type backend struct {
	name string
	open func(t *testing.T, dir string) ChangeLog
}

func backends() []backend {
	return []backend{
		{name: "file", open: func(t *testing.T, dir string) ChangeLog {
			l, err := Open(Config{Backend: BackendFile, Path: filepath.Join(dir, "beat-changes"), Retry: fastRetry})
			require.NoError(t, err)
			return l
		}},
		{name: "kv", open: func(t *testing.T, dir string) ChangeLog {
			l, err := Open(Config{Backend: BackendKV, Path: filepath.Join(dir, "beat-changes.db"), Retry: fastRetry})
			require.NoError(t, err)
			return l
		}},
		{name: "sql", open: func(t *testing.T, dir string) ChangeLog {
			l, err := Open(Config{Backend: BackendSQL, DSN: filepath.Join(dir, "beat.db")})
			require.NoError(t, err)
			return l
		}},
	}
}

func def(name, target string, every float64) domain.TaskDefinition {
	return domain.TaskDefinition{Name: name, Target: target, Schedule: schedule.Interval{Seconds: every}}
}

func TestAddDeleteDrain(t *testing.T) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			l := b.open(t, t.TempDir())
			defer l.Close()
			ctx := context.Background()

			require.NoError(t, l.AddTask(ctx, def("nightly", "job.run", 3600)))
			require.NoError(t, l.AddTask(ctx, domain.TaskDefinition{
				Target:   "report.send",
				Args:     []any{"weekly"},
				Kwargs:   map[string]any{"to": "ops"},
				Options:  map[string]any{"queue": "mail"},
				Schedule: schedule.Crontab{Minute: "0", Hour: "8", DayOfWeek: "mon", DayOfMonth: "*", MonthOfYear: "*"},
			}))
			require.NoError(t, l.DeleteTask(ctx, "stale"))

			ops, err := l.Drain(ctx)
			require.NoError(t, err)
			require.Len(t, ops, 3)

			assert.Equal(t, domain.OpAdd, ops[0].Kind)
			assert.Equal(t, "nightly", ops[0].Name)
			require.NotNil(t, ops[0].Task)
			assert.Equal(t, "job.run", ops[0].Task.Target)
			assert.Equal(t, schedule.Interval{Seconds: 3600}, ops[0].Task.Schedule)

			assert.Equal(t, "report.send", ops[1].Name, "name falls back to the target")
			assert.Equal(t, []any{"weekly"}, ops[1].Task.Args)
			assert.Equal(t, map[string]any{"to": "ops"}, ops[1].Task.Kwargs)
			assert.Equal(t, map[string]any{"queue": "mail"}, ops[1].Task.Options)
			assert.Equal(t, schedule.Crontab{Minute: "0", Hour: "8", DayOfWeek: "mon", DayOfMonth: "*", MonthOfYear: "*"}, ops[1].Task.Schedule)

			assert.Equal(t, domain.Operation{Kind: domain.OpDelete, Name: "stale"}, ops[2])

			again, err := l.Drain(ctx)
			require.NoError(t, err)
			assert.Empty(t, again, "second drain with no new mutation is empty")
		})
	}
}

func TestUpdateIsLastWriteWins(t *testing.T) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			l := b.open(t, t.TempDir())
			defer l.Close()
			ctx := context.Background()

			require.NoError(t, l.AddTask(ctx, def("nightly", "job.run", 3600)))
			require.NoError(t, l.UpdateTask(ctx, def("nightly", "job.run", 60)))

			ops, err := l.Drain(ctx)
			require.NoError(t, err)
			require.NotEmpty(t, ops)
			last := ops[len(ops)-1]
			assert.Equal(t, "nightly", last.Name)
			assert.Equal(t, schedule.Interval{Seconds: 60}, last.Task.Schedule)
		})
	}
}

func TestValidation(t *testing.T) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			l := b.open(t, t.TempDir())
			defer l.Close()
			ctx := context.Background()

			assert.ErrorIs(t, l.AddTask(ctx, domain.TaskDefinition{Name: "x", Schedule: schedule.Interval{Seconds: 1}}), domain.ErrInvalidTaskDefinition)
			assert.ErrorIs(t, l.AddTask(ctx, domain.TaskDefinition{Target: "x"}), domain.ErrInvalidTaskDefinition)
			assert.ErrorIs(t, l.AddTask(ctx, domain.TaskDefinition{Target: "x", Schedule: schedule.Crontab{Hour: "25"}}), domain.ErrInvalidTaskDefinition)
			assert.ErrorIs(t, l.DeleteTask(ctx, ""), domain.ErrInvalidTaskDefinition)

			ops, err := l.Drain(ctx)
			require.NoError(t, err)
			assert.Empty(t, ops, "rejected mutations are not recorded")
		})
	}
}

func TestSurvivesReopen(t *testing.T) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()

			producer := b.open(t, dir)
			require.NoError(t, producer.AddTask(ctx, def("t1", "job.one", 5)))
			require.NoError(t, producer.Close())

			consumer := b.open(t, dir)
			defer consumer.Close()
			ops, err := consumer.Drain(ctx)
			require.NoError(t, err)
			require.Len(t, ops, 1)
			assert.Equal(t, "t1", ops[0].Name)
		})
	}
}

// Producers on their own handles append while one goroutine drains in a
// loop; every recorded operation must come out exactly once.
func TestDrainWhileProducing(t *testing.T) {
	slow := Retry{Attempts: 1000, Interval: time.Millisecond}
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()
			const producers, each = 4, 25

			open := func() ChangeLog {
				l, err := Open(Config{
					Backend: b.name,
					Path:    filepath.Join(dir, "beat-changes"),
					DSN:     filepath.Join(dir, "beat.db"),
					Retry:   slow,
				})
				require.NoError(t, err)
				return l
			}

			drainer := open()
			defer drainer.Close()

			var (
				mu      sync.Mutex
				drained = map[string]int{}
			)
			collect := func() {
				ops, err := drainer.Drain(ctx)
				if err != nil {
					// A sql drain can lose the write lock to a producer; its
					// transaction rolls back and the rows stay pending.
					return
				}
				mu.Lock()
				for _, op := range ops {
					drained[op.Name]++
				}
				mu.Unlock()
			}

			var wg sync.WaitGroup
			for p := 0; p < producers; p++ {
				p := p
				l := open()
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer l.Close()
					for i := 0; i < each; i++ {
						name := fmt.Sprintf("p%d-%d", p, i)
						assert.NoError(t, l.AddTask(ctx, def(name, "job.run", 60)))
					}
				}()
			}

			stop := make(chan struct{})
			done := make(chan struct{})
			go func() {
				defer close(done)
				for {
					select {
					case <-stop:
						return
					default:
						collect()
						time.Sleep(time.Millisecond)
					}
				}
			}()

			wg.Wait()
			close(stop)
			<-done
			require.Eventually(t, func() bool {
				collect()
				mu.Lock()
				defer mu.Unlock()
				return len(drained) == producers*each
			}, 10*time.Second, 10*time.Millisecond)

			for name, n := range drained {
				assert.Equal(t, 1, n, "%s drained %d times", name, n)
			}
		})
	}
}

func TestFileLockContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beat-changes")
	l := NewFileLog(path, fastRetry)
	ctx := context.Background()
	require.NoError(t, l.AddTask(ctx, def("nightly", "job.run", 10)))

	holder, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_EX))

	err = l.DeleteTask(ctx, "nightly")
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)

	ops, err := l.Drain(ctx)
	require.NoError(t, err, "drain degrades instead of failing")
	assert.Empty(t, ops)

	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_UN))
	require.NoError(t, holder.Close())

	ops, err = l.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1, "pending records survive the failed drain")
	assert.Equal(t, "nightly", ops[0].Name)
}

func TestFileRecordFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beat-changes")
	l := NewFileLog(path, fastRetry)
	ctx := context.Background()
	require.NoError(t, l.AddTask(ctx, def("a,b", "job.run", 10)))
	require.NoError(t, l.DeleteTask(ctx, "a,b"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := splitLines(string(raw))
	require.Len(t, lines, 2)
	assert.Regexp(t, `^add,a,b,[A-Za-z0-9+/=]+$`, lines[0])
	assert.Equal(t, "delete,a,b,null", lines[1])

	// Unknown kinds and torn writes are skipped.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("rename,x,null\nadd,y,@@@\nadd,z,AAA")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ops, err := l.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "a,b", ops[0].Name)
	assert.Equal(t, "a,b", ops[0].Task.Name)
	assert.Equal(t, domain.OpDelete, ops[1].Kind)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "drain truncates the file")
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

func TestKVOpenContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beat-changes.db")
	l := NewKVLog(path, fastRetry)
	ctx := context.Background()
	require.NoError(t, l.AddTask(ctx, def("nightly", "job.run", 10)))

	holder, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)

	err = l.AddTask(ctx, def("other", "job.other", 10))
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)

	ops, err := l.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)

	require.NoError(t, holder.Close())
	ops, err = l.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "nightly", ops[0].Name)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(Config{Backend: "redis"})
	assert.Error(t, err)
	_, err = Open(Config{Backend: BackendFile})
	assert.Error(t, err)
}

func TestInfo(t *testing.T) {
	dir := t.TempDir()
	l := NewFileLog(filepath.Join(dir, "changes"), Retry{})
	assert.Contains(t, l.Info(), filepath.Join(dir, "changes"))
}

func TestBackendName(t *testing.T) {
	assert.Equal(t, BackendKV, BackendName(" Shelve "))
	assert.Equal(t, BackendKV, BackendName("bolt"))
	assert.Equal(t, BackendSQL, BackendName("database"))
	assert.Equal(t, BackendFile, BackendName("FILE"))
	assert.Equal(t, "redis", BackendName("redis"))
}

func TestFileRecordsGolden(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes")
	l := NewFileLog(path, fastRetry)
	ctx := context.Background()

	require.NoError(t, l.AddTask(ctx, domain.TaskDefinition{
		Name: "nightly", Target: "job.run",
		Args:     []any{1, "x"},
		Kwargs:   map[string]any{"to": "ops"},
		Schedule: schedule.Interval{Seconds: 3600},
	}))
	require.NoError(t, l.AddTask(ctx, domain.TaskDefinition{
		Name: "a,b", Target: "mail.send",
		Schedule: schedule.Crontab{Minute: "0", Hour: "7", DayOfWeek: "mon-fri"},
	}))
	require.NoError(t, l.DeleteTask(ctx, "nightly"))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden")).
		Assert(t, "file_records", b)
}

func TestIdleDrainLeavesFileUntouched(t *testing.T) {
	dir := t.TempDir()
	for _, l := range []ChangeLog{
		NewFileLog(filepath.Join(dir, "changes"), fastRetry),
		NewKVLog(filepath.Join(dir, "changes.db"), fastRetry),
	} {
		ctx := context.Background()
		require.NoError(t, l.DeleteTask(ctx, "x"))
		ops, err := l.Drain(ctx)
		require.NoError(t, err)
		require.Len(t, ops, 1)

		path := l.(interface{ Path() string }).Path()
		before, err := os.Stat(path)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)

		ops, err = l.Drain(ctx)
		require.NoError(t, err)
		assert.Empty(t, ops)
		after, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, before.ModTime(), after.ModTime(), path)
	}
}

func TestKVDrainKeepsUnreadableList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beat-changes.db")
	l := NewKVLog(path, fastRetry)
	ctx := context.Background()
	require.NoError(t, l.AddTask(ctx, def("nightly", "job.run", 10)))

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Put(kvKey, []byte("{not a list"))
	}))
	require.NoError(t, db.Close())

	ops, err := l.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)

	db, err = bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(kvBucket)
		require.NotNil(t, b, "bucket survives the failed drain")
		assert.Equal(t, []byte("{not a list"), b.Get(kvKey))
		return nil
	}))
}
