package changelog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"beatsync/internal/domain"
)

var nullPayload = []byte("null")

// FileLog appends one "kind,name,payload" line per operation. The payload is
// base64 encoded JSON, so the name is everything between the first and the
// last comma. Every open takes a non-blocking exclusive flock.
type FileLog struct {
	path  string
	retry Retry
}

func NewFileLog(path string, r Retry) *FileLog {
	return &FileLog{path: path, retry: r.normalized()}
}

func (l *FileLog) Info() string { return "    . changes -> " + l.path }

// Path is the file records are appended to.
func (l *FileLog) Path() string { return l.path }

func (l *FileLog) Close() error { return nil }

func (l *FileLog) AddTask(ctx context.Context, def domain.TaskDefinition) error {
	def, err := prepare(def)
	if err != nil {
		return err
	}
	b, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode task %q: %w", def.Name, err)
	}
	payload := make([]byte, base64.StdEncoding.EncodedLen(len(b)))
	base64.StdEncoding.Encode(payload, b)
	if err := l.append(domain.OpAdd, def.Name, payload); err != nil {
		return err
	}
	log.Info().Str("task", def.Name).Str("target", def.Target).Msg("add task")
	return nil
}

func (l *FileLog) UpdateTask(ctx context.Context, def domain.TaskDefinition) error {
	return l.AddTask(ctx, def)
}

func (l *FileLog) DeleteTask(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := l.append(domain.OpDelete, name, nullPayload); err != nil {
		return err
	}
	log.Info().Str("task", name).Msg("delete task")
	return nil
}

func (l *FileLog) append(kind domain.OpKind, name string, payload []byte) error {
	rec := make([]byte, 0, len(kind)+len(name)+len(payload)+3)
	rec = append(rec, string(kind)...)
	rec = append(rec, ',')
	rec = append(rec, name...)
	rec = append(rec, ',')
	rec = append(rec, payload...)
	rec = append(rec, '\n')
	return l.withLock(func(f *os.File) error {
		// One write per record keeps appends whole.
		_, err := f.Write(rec)
		return err
	})
}

// Drain reads every record and truncates the file under one lock. When the
// lock cannot be taken within the retry budget it logs and reports nothing.
func (l *FileLog) Drain(ctx context.Context) ([]domain.Operation, error) {
	var ops []domain.Operation
	err := l.withLock(func(f *os.File) error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		r := bufio.NewReader(f)
		read := 0
		for {
			line, err := r.ReadBytes('\n')
			read += len(line)
			if len(line) > 0 {
				if op, ok := parseRecord(line); ok {
					ops = append(ops, op)
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
		}
		if read == 0 {
			return nil
		}
		return f.Truncate(0)
	})
	if err != nil {
		log.Error().Err(err).Str("path", l.path).Msg("drain changes failed")
		return nil, nil
	}
	return ops, nil
}

func parseRecord(line []byte) (domain.Operation, bool) {
	if line[len(line)-1] != '\n' {
		log.Warn().Bytes("record", line).Msg("skip incomplete change record")
		return domain.Operation{}, false
	}
	line = bytes.TrimRight(line, "\r\n")
	first := bytes.IndexByte(line, ',')
	last := bytes.LastIndexByte(line, ',')
	if first < 0 || first == last {
		log.Warn().Bytes("record", line).Msg("skip malformed change record")
		return domain.Operation{}, false
	}
	kind, name, payload := domain.OpKind(line[:first]), string(line[first+1:last]), line[last+1:]
	switch kind {
	case domain.OpDelete:
		return domain.DeleteOp(name), true
	case domain.OpAdd:
		raw := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
		n, err := base64.StdEncoding.Decode(raw, payload)
		if err != nil {
			log.Warn().Err(err).Str("task", name).Msg("skip undecodable change record")
			return domain.Operation{}, false
		}
		var def domain.TaskDefinition
		if err := json.Unmarshal(raw[:n], &def); err != nil {
			log.Warn().Err(err).Str("task", name).Msg("skip undecodable change record")
			return domain.Operation{}, false
		}
		def.Name = name
		return domain.Operation{Kind: domain.OpAdd, Name: name, Task: &def}, true
	default:
		return domain.Operation{}, false
	}
}

func (l *FileLog) withLock(fn func(f *os.File) error) error {
	var f *os.File
	err := retry(l.retry, "open "+l.path, func() error {
		var err error
		f, err = l.open()
		return err
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}()
	return fn(f)
}

func (l *FileLog) open() (*os.File, error) {
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}
	return f, nil
}
