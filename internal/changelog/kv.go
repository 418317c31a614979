package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"beatsync/internal/domain"
)

var (
	kvBucket = []byte("beatsync")
	kvKey    = []byte("operations")
)

// KVLog keeps the whole pending list as one value under the "operations"
// key of a bbolt file. The file is opened per call and closed right after,
// so producers in other processes can take their turn.
type KVLog struct {
	path  string
	retry Retry
}

func NewKVLog(path string, r Retry) *KVLog {
	return &KVLog{path: path, retry: r.normalized()}
}

func (l *KVLog) Info() string { return "    . changes -> " + l.path }

// Path is the bbolt file the operations are stored in.
func (l *KVLog) Path() string { return l.path }

func (l *KVLog) Close() error { return nil }

// kvRecord is encoded as a [kind, name, payload-or-null] triple.
type kvRecord struct {
	Kind domain.OpKind
	Name string
	Task *domain.TaskDefinition
}

func (r kvRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Kind, r.Name, r.Task})
}

func (r *kvRecord) UnmarshalJSON(data []byte) error {
	var triple []json.RawMessage
	if err := json.Unmarshal(data, &triple); err != nil {
		return err
	}
	if len(triple) != 3 {
		return fmt.Errorf("operation record has %d fields, want 3", len(triple))
	}
	if err := json.Unmarshal(triple[0], &r.Kind); err != nil {
		return err
	}
	if err := json.Unmarshal(triple[1], &r.Name); err != nil {
		return err
	}
	r.Task = nil
	return json.Unmarshal(triple[2], &r.Task)
}

func (l *KVLog) AddTask(ctx context.Context, def domain.TaskDefinition) error {
	def, err := prepare(def)
	if err != nil {
		return err
	}
	if err := l.push(kvRecord{Kind: domain.OpAdd, Name: def.Name, Task: &def}); err != nil {
		return err
	}
	log.Info().Str("task", def.Name).Str("target", def.Target).Msg("add task")
	return nil
}

func (l *KVLog) UpdateTask(ctx context.Context, def domain.TaskDefinition) error {
	return l.AddTask(ctx, def)
}

func (l *KVLog) DeleteTask(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := l.push(kvRecord{Kind: domain.OpDelete, Name: name}); err != nil {
		return err
	}
	log.Info().Str("task", name).Msg("delete task")
	return nil
}

func (l *KVLog) push(rec kvRecord) error {
	return l.withDB(func(db *bolt.DB) error {
		return db.Update(func(tx *bolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists(kvBucket)
			if err != nil {
				return err
			}
			var recs []kvRecord
			if v := b.Get(kvKey); v != nil {
				if err := json.Unmarshal(v, &recs); err != nil {
					return fmt.Errorf("decode operations: %w", err)
				}
			}
			recs = append(recs, rec)
			v, err := json.Marshal(recs)
			if err != nil {
				return err
			}
			return b.Put(kvKey, v)
		})
	})
}

// Drain reads the list and clears the whole store. When the store cannot be
// opened within the retry budget it logs and reports nothing.
func (l *KVLog) Drain(ctx context.Context) ([]domain.Operation, error) {
	var ops []domain.Operation
	err := l.withDB(func(db *bolt.DB) error {
		// Skip the write transaction when there is nothing to clear so an idle
		// drain leaves the file untouched.
		var pending bool
		if err := db.View(func(tx *bolt.Tx) error {
			pending = tx.Bucket(kvBucket) != nil
			return nil
		}); err != nil || !pending {
			return err
		}
		return db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(kvBucket)
			if b == nil {
				return nil
			}
			if v := b.Get(kvKey); v != nil {
				var err error
				if ops, err = decodeOperations(v); err != nil {
					ops = nil
					return err
				}
			}
			return tx.DeleteBucket(kvBucket)
		})
	})
	if err != nil {
		log.Error().Err(err).Str("path", l.path).Msg("drain changes failed")
		return nil, nil
	}
	return ops, nil
}

// decodeOperations skips single records it cannot read. A list that cannot
// be read at all is an error so the stored value is left in place.
func decodeOperations(v []byte) ([]domain.Operation, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(v, &raw); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	ops := make([]domain.Operation, 0, len(raw))
	for _, item := range raw {
		var rec kvRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			log.Warn().Err(err).Msg("skip undecodable operation")
			continue
		}
		switch rec.Kind {
		case domain.OpDelete:
			ops = append(ops, domain.DeleteOp(rec.Name))
		case domain.OpAdd:
			if rec.Task == nil {
				log.Warn().Str("task", rec.Name).Msg("skip add without payload")
				continue
			}
			rec.Task.Name = rec.Name
			ops = append(ops, domain.Operation{Kind: domain.OpAdd, Name: rec.Name, Task: rec.Task})
		}
	}
	return ops, nil
}

func (l *KVLog) withDB(fn func(db *bolt.DB) error) error {
	var db *bolt.DB
	err := retry(l.retry, "open "+l.path, func() error {
		var err error
		db, err = l.open()
		return err
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Str("path", l.path).Msg("close blob store failed")
		}
	}()
	return fn(db)
}

func (l *KVLog) open() (*bolt.DB, error) {
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	// A zero timeout would wait forever on another process's file lock.
	return bolt.Open(l.path, 0o600, &bolt.Options{Timeout: l.retry.Interval})
}
