package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/backchannel/internal/metrics"
	"github.com/eldtechnologies/backchannel/internal/models"
)

const (
	threadExt = ".jsonl"

	// DefaultMaxThreadBytes is the size above which a thread log is archived.
	DefaultMaxThreadBytes = 1024 * 1024
)

// ThreadStore persists one append-only JSONL log per visitor.
type ThreadStore struct {
	dir         string
	blockedDir  string
	maxBytes    int64
	broadcaster Broadcaster
	logger      zerolog.Logger
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// Option configures a ThreadStore.
type Option func(*ThreadStore)

// WithMaxBytes sets the archive threshold.
func WithMaxBytes(n int64) Option {
	return func(s *ThreadStore) { s.maxBytes = n }
}

// WithBroadcaster sets who is told about appends and deletions.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *ThreadStore) { s.broadcaster = b }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *ThreadStore) { s.now = now }
}

// NewThreadStore creates a thread store rooted at dir, with block-list
// sentinels in blockedDir. Both directories are created if missing.
func NewThreadStore(dir, blockedDir string, logger zerolog.Logger, opts ...Option) (*ThreadStore, error) {
	for _, d := range []string{dir, blockedDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}

	s := &ThreadStore{
		dir:         dir,
		blockedDir:  blockedDir,
		maxBytes:    DefaultMaxThreadBytes,
		broadcaster: nopBroadcaster{},
		logger:      logger.With().Str("component", "threads").Logger(),
		now:         time.Now,
		locks:       make(map[string]*sync.RWMutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping checks the thread directory is still usable.
func (s *ThreadStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

func (s *ThreadStore) threadPath(visitorID string) string {
	return filepath.Join(s.dir, visitorID+threadExt)
}

// lockFor returns the lock guarding one visitor's log.
func (s *ThreadStore) lockFor(visitorID string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[visitorID]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[visitorID] = l
	}
	return l
}

// Append writes msg to the visitor's log and notifies the opposite party.
// Missing ID and timestamp are filled in; the stored message is returned.
func (s *ThreadStore) Append(ctx context.Context, visitorID string, msg models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return msg, err
	}
	if !models.ValidVisitorID(visitorID) {
		return msg, ErrInvalidVisitorID
	}
	if msg.From != models.FromVisitor && msg.From != models.FromOperator {
		return msg, fmt.Errorf("%w: unknown author %q", ErrInvalidMessage, msg.From)
	}

	now := s.now()
	if msg.ID == "" {
		id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
		if err != nil {
			return msg, fmt.Errorf("generate message id: %w", err)
		}
		msg.ID = id.String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = now.UnixMilli()
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return msg, err
	}
	line = append(line, '\n')

	lock := s.lockFor(visitorID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.appendLine(visitorID, line); err != nil {
		return msg, err
	}
	metrics.MessagesAppended.WithLabelValues(msg.From).Inc()

	// Still under the thread lock so notification order matches log order.
	if msg.IsOperator() {
		s.broadcaster.NotifyVisitor(visitorID, models.EventNewMessage, models.VisitorMessageEvent{
			Type:    models.EventNewMessage,
			Message: msg,
		})
	} else {
		s.broadcaster.NotifyAdmins(models.EventNewMessage, models.AdminMessageEvent{
			VisitorID: visitorID,
			Message:   msg,
		})
	}

	return msg, nil
}

// appendLine archives an oversized log, then appends line. Caller holds the
// visitor's write lock.
func (s *ThreadStore) appendLine(visitorID string, line []byte) error {
	path := s.threadPath(visitorID)

	if info, err := os.Stat(path); err == nil && info.Size() > s.maxBytes {
		archivePath := fmt.Sprintf("%s.%d.archive", path, s.now().UnixMilli())
		if err := os.Rename(path, archivePath); err != nil {
			return fmt.Errorf("archive thread: %w", err)
		}
		metrics.ThreadsArchived.Inc()
		s.logger.Info().
			Str("visitor_id", visitorID).
			Int64("bytes", info.Size()).
			Str("archive", filepath.Base(archivePath)).
			Msg("thread archived")
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open thread: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write thread: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync thread: %w", err)
	}
	return f.Close()
}

// GetMessages returns the visitor's log in append order. If sinceID names a
// message in the log only the messages after it are returned; an unknown
// sinceID returns the whole log. A missing log is an empty thread.
func (s *ThreadStore) GetMessages(ctx context.Context, visitorID, sinceID string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !models.ValidVisitorID(visitorID) {
		return nil, ErrInvalidVisitorID
	}

	messages, err := s.readThread(visitorID)
	if err != nil {
		return nil, err
	}
	return since(messages, sinceID), nil
}

func since(messages []models.Message, sinceID string) []models.Message {
	if sinceID == "" {
		return messages
	}
	for i, m := range messages {
		if m.ID == sinceID {
			return messages[i+1:]
		}
	}
	return messages
}

// readThread loads and decodes a visitor's log. Malformed lines are skipped.
func (s *ThreadStore) readThread(visitorID string) ([]models.Message, error) {
	lock := s.lockFor(visitorID)
	lock.RLock()
	defer lock.RUnlock()

	f, err := os.Open(s.threadPath(visitorID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []models.Message{}, nil
		}
		return nil, fmt.Errorf("open thread: %w", err)
	}
	defer f.Close()

	messages := []models.Message{}
	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var msg models.Message
			if jerr := json.Unmarshal(trimmed, &msg); jerr != nil {
				metrics.CorruptLines.Inc()
				s.logger.Warn().
					Err(jerr).
					Str("visitor_id", visitorID).
					Int("line", lineNo).
					Msg("skipping malformed thread line")
			} else {
				messages = append(messages, msg)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read thread: %w", err)
		}
	}
	return messages, nil
}

// UnreadCount counts operator messages in the slice GetMessages would return.
func (s *ThreadStore) UnreadCount(ctx context.Context, visitorID, sinceID string) (int, error) {
	messages, err := s.GetMessages(ctx, visitorID, sinceID)
	if err != nil {
		return 0, err
	}
	return Unread(messages), nil
}

// Unread counts the operator replies in messages.
func Unread(messages []models.Message) int {
	return countFrom(messages, models.FromOperator)
}

func countFrom(messages []models.Message, from string) int {
	n := 0
	for _, m := range messages {
		if m.From == from {
			n++
		}
	}
	return n
}

// Metadata derives a visitor's metadata from their log. It reports false for
// an empty thread.
func Metadata(visitorID string, messages []models.Message) (models.VisitorMetadata, bool) {
	if len(messages) == 0 {
		return models.VisitorMetadata{}, false
	}

	seen := make(map[string]bool)
	pages := []string{}
	for _, m := range messages {
		if m.Page != "" && !seen[m.Page] {
			seen[m.Page] = true
			pages = append(pages, m.Page)
		}
	}

	return models.VisitorMetadata{
		VisitorID:    visitorID,
		FirstSeen:    messages[0].Timestamp,
		LastSeen:     messages[len(messages)-1].Timestamp,
		MessageCount: len(messages),
		PagesVisited: pages,
	}, true
}

// VisitorMetadata returns metadata for one visitor.
func (s *ThreadStore) VisitorMetadata(ctx context.Context, visitorID string) (models.VisitorMetadata, bool, error) {
	messages, err := s.GetMessages(ctx, visitorID, "")
	if err != nil {
		return models.VisitorMetadata{}, false, err
	}
	meta, ok := Metadata(visitorID, messages)
	return meta, ok, nil
}

// ListSummaries returns one summary per non-empty thread, in no particular
// order.
func (s *ThreadStore) ListSummaries(ctx context.Context) ([]models.ThreadSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	summaries := []models.ThreadSummary{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, threadExt) {
			continue
		}
		visitorID := strings.TrimSuffix(name, threadExt)
		if !models.ValidVisitorID(visitorID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		messages, err := s.readThread(visitorID)
		if err != nil {
			return nil, err
		}
		meta, ok := Metadata(visitorID, messages)
		if !ok {
			continue
		}
		last := messages[len(messages)-1]
		summaries = append(summaries, models.ThreadSummary{
			VisitorMetadata:   meta,
			LastMessage:       &last,
			UnreadFromVisitor: unansweredCount(messages),
		})
	}
	return summaries, nil
}

// unansweredCount is the number of visitor messages after the last operator
// reply.
func unansweredCount(messages []models.Message) int {
	n := 0
	for i := len(messages) - 1; i >= 0 && !messages[i].IsOperator(); i-- {
		n++
	}
	return n
}

// ListThreads returns metadata for every non-empty thread.
func (s *ThreadStore) ListThreads(ctx context.Context) ([]models.VisitorMetadata, error) {
	summaries, err := s.ListSummaries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.VisitorMetadata, len(summaries))
	for i, sum := range summaries {
		out[i] = sum.VisitorMetadata
	}
	return out, nil
}

// DeleteThread removes the visitor's log and its archives. It reports whether
// an active log existed; admins are notified only when one did.
func (s *ThreadStore) DeleteThread(ctx context.Context, visitorID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !models.ValidVisitorID(visitorID) {
		return false, ErrInvalidVisitorID
	}

	lock := s.lockFor(visitorID)
	lock.Lock()
	defer lock.Unlock()

	path := s.threadPath(visitorID)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("delete thread: %w", err)
	}

	archives, _ := filepath.Glob(path + ".*.archive")
	for _, a := range archives {
		if err := os.Remove(a); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("archive", filepath.Base(a)).Msg("failed to remove archive")
		}
	}

	s.logger.Info().Str("visitor_id", visitorID).Int("archives", len(archives)).Msg("thread deleted")
	s.broadcaster.NotifyAdmins(models.EventThreadDeleted, models.ThreadDeletedEvent{VisitorID: visitorID})
	return true, nil
}

func (s *ThreadStore) blockedPath(visitorID string) string {
	return filepath.Join(s.blockedDir, visitorID)
}

// IsBlocked reports whether a block sentinel exists for the visitor.
// Invalid identities are never looked up.
func (s *ThreadStore) IsBlocked(visitorID string) bool {
	if !models.ValidVisitorID(visitorID) {
		return false
	}
	_, err := os.Stat(s.blockedPath(visitorID))
	return err == nil
}

// Block creates the visitor's block sentinel.
func (s *ThreadStore) Block(visitorID string) error {
	if !models.ValidVisitorID(visitorID) {
		return ErrInvalidVisitorID
	}
	if err := os.WriteFile(s.blockedPath(visitorID), nil, 0644); err != nil {
		return fmt.Errorf("block visitor: %w", err)
	}
	s.logger.Info().Str("type", "security").Str("visitor_id", visitorID).Msg("visitor blocked")
	return nil
}

// Unblock removes the visitor's block sentinel, reporting whether one existed.
func (s *ThreadStore) Unblock(visitorID string) (bool, error) {
	if !models.ValidVisitorID(visitorID) {
		return false, ErrInvalidVisitorID
	}
	if err := os.Remove(s.blockedPath(visitorID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("unblock visitor: %w", err)
	}
	s.logger.Info().Str("type", "security").Str("visitor_id", visitorID).Msg("visitor unblocked")
	return true, nil
}
