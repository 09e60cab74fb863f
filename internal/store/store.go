package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/jamessanders/leah-public/internal/logging"
	"github.com/jamessanders/leah-public/internal/message"
	"github.com/jamessanders/leah-public/internal/metrics"
)

// ErrNotFound is returned when a document or task key does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store: closed")

// Key layout:
//
//	chan:<channel>:msg:<unix_nano>-<seq>               live history
//	archive:<channel>:<stamp>:msg:<unix_nano>-<seq>    archived history
//	doc:<name>                                         whole documents
//	task:<id>                                          scheduled tasks
//
// Channel keys are query-escaped so ':' never appears inside them.
const (
	chanPrefix    = "chan:"
	archivePrefix = "archive:"
	docPrefix     = "doc:"
	taskPrefix    = "task:"
)

// Store is the embedded durable state for the process. It is safe for
// concurrent use.
type Store struct {
	db      *pebble.DB
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	lastTS int64
	seq    uint64
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger used for warnings about corrupt records.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithMetrics counts corrupt records.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// Open opens (or creates) a pebble database at path.
func Open(path string, opts ...Option) (*Store, error) {
	return open(path, &pebble.Options{}, opts...)
}

// OpenInMemory opens a store backed by an in-memory filesystem.
func OpenInMemory(opts ...Option) (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()}, opts...)
}

func open(path string, popts *pebble.Options, opts ...Option) (*Store, error) {
	s := &Store{log: logging.For("store")}
	for _, opt := range opts {
		opt(s)
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		s.log.Error("pebble_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("open store %q: %w", path, err)
	}
	s.db = db
	s.log.Debug("pebble_opened", "path", path)
	return s, nil
}

// Close closes the database. Calling it again is a no-op; every other
// operation returns ErrClosed afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) handle() (*pebble.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

// nextSuffix returns a sortable, strictly increasing key suffix.
func (s *Store) nextSuffix() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := time.Now().UTC().UnixNano()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	s.seq++
	return fmt.Sprintf("%020d-%06d", ts, s.seq%1000000)
}

func channelKey(channel string) string {
	return url.QueryEscape(channel)
}

func historyPrefix(channel string) []byte {
	return []byte(chanPrefix + channelKey(channel) + ":msg:")
}

func archiveChannelPrefix(channel string) []byte {
	return []byte(archivePrefix + channelKey(channel) + ":")
}

// AppendMessage adds m to the end of channel's history.
func (s *Store) AppendMessage(channel string, m message.Message) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := string(historyPrefix(channel)) + s.nextSuffix()
	if err := db.Set([]byte(key), data, pebble.Sync); err != nil {
		s.log.Error("append_message_failed", "channel", channel, "key", key, "error", err)
		return fmt.Errorf("append to %s: %w", channel, err)
	}
	return nil
}

// ChannelHistory returns every message persisted for channel in publish order.
// Records that fail to decode are skipped with a warning.
func (s *Store) ChannelHistory(channel string) ([]message.Message, error) {
	return s.scanMessages(historyPrefix(channel), "history")
}

func (s *Store) scanMessages(prefix []byte, source string) ([]message.Message, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []message.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m message.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			s.log.Warn("corrupt_record_skipped", "source", source, "key", string(iter.Key()), "error", err)
			s.metrics.CorruptRecord(source)
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// ArchiveChannel copies channel's history aside under a timestamped archive
// and then truncates it. Both steps commit in one batch. It returns the
// archive stamp and the number of records moved; an empty history is a no-op.
func (s *Store) ArchiveChannel(channel string) (string, int, error) {
	db, err := s.handle()
	if err != nil {
		return "", 0, err
	}
	prefix := historyPrefix(channel)
	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	dst := string(archiveChannelPrefix(channel)) + stamp + ":msg:"

	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return "", 0, err
	}
	batch := db.NewBatch()
	defer batch.Close()

	n := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		suffix := bytes.TrimPrefix(iter.Key(), prefix)
		if err := batch.Set([]byte(dst+string(suffix)), iter.Value(), nil); err != nil {
			iter.Close()
			return "", 0, err
		}
		if err := batch.Delete(iter.Key(), nil); err != nil {
			iter.Close()
			return "", 0, err
		}
		n++
	}
	if err := iter.Close(); err != nil {
		return "", 0, err
	}
	if n == 0 {
		return "", 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return "", 0, fmt.Errorf("archive %s: %w", channel, err)
	}
	s.log.Info("channel_archived", "channel", channel, "stamp", stamp, "records", n)
	return stamp, n, nil
}

// ListArchives returns the archive stamps recorded for channel, oldest first.
func (s *Store) ListArchives(channel string) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	prefix := archiveChannelPrefix(channel)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var stamps []string
	seen := map[string]bool{}
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		rest := string(bytes.TrimPrefix(iter.Key(), prefix))
		stamp, _, ok := strings.Cut(rest, ":")
		if !ok || seen[stamp] {
			continue
		}
		seen[stamp] = true
		stamps = append(stamps, stamp)
	}
	return stamps, iter.Error()
}

// ArchivedHistory returns the messages saved under one archive stamp.
func (s *Store) ArchivedHistory(channel, stamp string) ([]message.Message, error) {
	prefix := append(archiveChannelPrefix(channel), []byte(stamp+":msg:")...)
	return s.scanMessages(prefix, "archive")
}

// Channels lists every channel that currently has live history, sorted.
func (s *Store) Channels() ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	prefix := []byte(chanPrefix)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	seen := map[string]bool{}
	var out []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		rest := string(bytes.TrimPrefix(iter.Key(), prefix))
		escaped, _, _ := strings.Cut(rest, ":")
		if seen[escaped] {
			continue
		}
		seen[escaped] = true
		name, err := url.QueryUnescape(escaped)
		if err != nil {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, iter.Error()
}

// LoadDocument returns the stored bytes for name, or ErrNotFound.
func (s *Store) LoadDocument(name string) ([]byte, error) {
	return s.get(docPrefix + name)
}

// SaveDocument replaces the document in a single synced write.
func (s *Store) SaveDocument(name string, data []byte) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Set([]byte(docPrefix+name), data, pebble.Sync)
}

func (s *Store) get(key string) ([]byte, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	v, closer, err := db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// PutTask stores a scheduled task payload under id.
func (s *Store) PutTask(id string, data []byte) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Set([]byte(taskPrefix+id), data, pebble.Sync)
}

// DeleteTask removes a task. Deleting a missing task is not an error.
func (s *Store) DeleteTask(id string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Delete([]byte(taskPrefix+id), pebble.Sync)
}

// ListTasks returns every stored task payload keyed by id.
func (s *Store) ListTasks() (map[string][]byte, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	prefix := []byte(taskPrefix)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := map[string][]byte{}
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		id := string(bytes.TrimPrefix(iter.Key(), prefix))
		out[id] = append([]byte(nil), iter.Value()...)
	}
	return out, iter.Error()
}
