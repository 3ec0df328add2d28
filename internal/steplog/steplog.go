// Package steplog keeps the step log artifact of every rollout: a gzip compressed JSON lines
// file where each appended entry is a complete gzip member, so the file is readable at any time
// while the rollout is still writing to it.
package steplog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
)

// URLPrefix is the prefix of the stored log paths, the artifact is served under it.
const URLPrefix = "/static/logs/"

const fileSuffix = ".jsonl.gz"

// Entry kinds.
const (
	KindStart  = "start"
	KindStep   = "step"
	KindResult = "result"
)

// Entry is one line of the artifact.
type Entry struct {
	Kind       string          `json:"kind"`
	RolloutID  string          `json:"rollout_id"`
	TaskID     string          `json:"task_id,omitempty"`
	StepNumber int             `json:"step_number,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Actions    json.RawMessage `json:"actions,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Result     string          `json:"result,omitempty"`
	Parsed     json.RawMessage `json:"parsed_output,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// StoreConfig is the configuration of the step log store.
type StoreConfig struct {
	Dir    string
	Logger log.Logger
}

func (c *StoreConfig) defaults() error {
	if c.Dir == "" {
		return fmt.Errorf("log directory is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "steplog.Store"})
	return nil
}

// Store creates, appends to and reads the rollout step log artifacts of a directory.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger log.Logger
}

// NewStore returns a new step log store, the directory is created if missing.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create log directory: %w", err)
	}

	return &Store{dir: cfg.Dir, logger: cfg.Logger}, nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Create starts the artifact of a rollout and returns its log path.
func (s *Store) Create(taskID, rolloutID string, now time.Time) (string, error) {
	// The tail of the ID, ULIDs of the same job share their timestamp head.
	short := strings.ToLower(rolloutID)
	if len(short) > 8 {
		short = short[len(short)-8:]
	}
	name := fmt.Sprintf("%s_rollout_%s_%s%s", unsafeChars.ReplaceAllString(taskID, "_"), short, now.UTC().Format("20060102_150405"), fileSuffix)

	err := s.append(name, Entry{Kind: KindStart, RolloutID: rolloutID, TaskID: taskID, Timestamp: now.UTC()})
	if err != nil {
		return "", err
	}

	return URLPrefix + name, nil
}

// AppendStep appends a worker step to the artifact.
func (s *Store) AppendStep(logPath string, step model.StepLog) error {
	return s.appendPath(logPath, Entry{
		Kind:       KindStep,
		RolloutID:  step.RolloutID,
		StepNumber: step.StepNumber,
		Timestamp:  step.Timestamp.UTC(),
		Reasoning:  step.Reasoning,
		Actions:    rawJSON(step.Actions),
	})
}

// AppendResult appends the final result of a rollout to the artifact.
func (s *Store) AppendResult(logPath string, r model.Rollout, success bool) error {
	return s.appendPath(logPath, Entry{
		Kind:      KindResult,
		RolloutID: r.ID,
		TaskID:    r.TaskID,
		Timestamp: time.Now().UTC(),
		Success:   &success,
		Result:    r.Result,
		Parsed:    rawJSON(r.ParsedResult),
		Error:     r.Error,
	})
}

// Open returns the decompressed artifact of a log name.
func (s *Store) Open(name string) (io.ReadCloser, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("log %q: %w", name, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not open log: %w", err)
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("could not read compressed log: %w", err)
	}

	return &readCloser{Reader: gz, close: func() error {
		gz.Close()
		return f.Close()
	}}, nil
}

// Entries reads every entry of a log name.
func (s *Store) Entries(name string) ([]Entry, error) {
	r, err := s.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var entries []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("could not decode log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("could not read log: %w", err)
	}

	return entries, nil
}

func (s *Store) appendPath(logPath string, e Entry) error {
	if logPath == "" {
		return nil
	}
	return s.append(strings.TrimPrefix(logPath, URLPrefix), e)
}

func (s *Store) append(name string, e Entry) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("could not encode log entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("could not open log: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("could not write log entry: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("could not flush log entry: %w", err)
	}

	return f.Close()
}

func (s *Store) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || !strings.HasSuffix(name, fileSuffix) {
		return "", fmt.Errorf("invalid log name %q: %w", name, model.ErrNotValid)
	}
	return filepath.Join(s.dir, name), nil
}

// rawJSON keeps valid JSON as is and encodes anything else as a JSON string.
func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }
