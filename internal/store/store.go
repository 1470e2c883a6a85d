// Package store is a self-contained backend for the data sync protocol. It
// keeps revisioned documents with attachments, client sessions and a log of
// received co-messages, persists snapshots through a StateBackend and tells
// the platform when a user has new data.
//
// Without further setup every co-message is logged and answered with a
// receipt. Programs that embed the store route a destination to their own
// code with Handle.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kayyum-khan/integration-framework/internal/adapter"
	"github.com/kayyum-khan/integration-framework/internal/platform"
)

const (
	DefaultMaxAttachmentBytes = 32 << 20
	DefaultMessageLogSize     = 1000
	DefaultRetryAfter         = 5 * time.Second

	defaultNotifyRetryDelay = time.Second
	notifyBatchSize         = 50
)

// Notifier tells the platform that users have new data to sync.
type Notifier interface {
	NewDataAvailableForUsers(ctx context.Context, condition map[string]any, users ...string) error
}

// MessageHandler answers co-messages sent to one destination. It runs after
// the attachments have been read and the message has been logged.
type MessageHandler func(ctx context.Context, record MessageRecord) (*adapter.COMessageResponse, error)

type Options struct {
	StateBackend StateBackend
	Schemas      *SchemaRegistry

	// Queue and Notifier enable new-data notifications. Both are needed.
	Queue          NotificationQueue
	Notifier       Notifier
	DisableWorkers bool

	MaxAttachmentBytes int64
	// MaxInflightMessages bounds concurrently processed co-messages; 0 is
	// unlimited.
	MaxInflightMessages int
	RetryAfter          time.Duration
	MessageLogSize      int

	Logger *zap.Logger
	Now    func() time.Time
}

// Store implements adapter.Adapter.
type Store struct {
	mu        sync.RWMutex
	documents map[string]*storedDocument
	sessions  map[string]*storedSession
	messages  []MessageRecord
	handlers  map[string]MessageHandler

	stateBackend       StateBackend
	schemas            *SchemaRegistry
	queue              NotificationQueue
	notifier           Notifier
	maxAttachmentBytes int64
	inflight           chan struct{}
	retryAfter         time.Duration
	messageLogSize     int
	logger             *zap.Logger
	now                func() time.Time

	queueCtx    context.Context
	queueCancel context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

var _ adapter.Adapter = (*Store)(nil)

func New(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttachmentBytes := opts.MaxAttachmentBytes
	if maxAttachmentBytes <= 0 {
		maxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	retryAfter := opts.RetryAfter
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	messageLogSize := opts.MessageLogSize
	if messageLogSize <= 0 {
		messageLogSize = DefaultMessageLogSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var inflight chan struct{}
	if opts.MaxInflightMessages > 0 {
		inflight = make(chan struct{}, opts.MaxInflightMessages)
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())
	s := &Store{
		documents:          map[string]*storedDocument{},
		sessions:           map[string]*storedSession{},
		handlers:           map[string]MessageHandler{},
		stateBackend:       opts.StateBackend,
		schemas:            opts.Schemas,
		queue:              opts.Queue,
		notifier:           opts.Notifier,
		maxAttachmentBytes: maxAttachmentBytes,
		inflight:           inflight,
		retryAfter:         retryAfter,
		messageLogSize:     messageLogSize,
		logger:             logger.Named("store"),
		now:                now,
		queueCtx:           queueCtx,
		queueCancel:        queueCancel,
	}
	if err := s.loadFromBackend(); err != nil {
		queueCancel()
		return nil, err
	}
	if s.queue != nil && s.notifier != nil && !opts.DisableWorkers {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.notificationWorker()
		}()
	}
	return s, nil
}

// Handle routes co-messages for destination to h. A nil h removes the
// route.
func (s *Store) Handle(destination string, h MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		delete(s.handlers, destination)
		return
	}
	s.handlers[destination] = h
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.queueCancel()
		s.wg.Wait()
		if s.queue != nil {
			_ = s.queue.Close()
		}
		if closer, ok := s.stateBackend.(stateBackendCloser); ok {
			_ = closer.Close()
		}
	})
}

func documentKey(docType, docID string) string {
	return docType + "/" + docID
}

func (s *Store) loadFromBackend() error {
	if s.stateBackend == nil {
		return nil
	}
	state, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.Documents != nil {
		s.documents = state.Documents
	}
	if state.Sessions != nil {
		s.sessions = state.Sessions
	}
	s.messages = state.Messages
	s.logger.Info("restored state",
		zap.Int("documents", len(s.documents)),
		zap.Int("sessions", len(s.sessions)),
		zap.Int("messages", len(s.messages)))
	return nil
}

// saveLocked persists a snapshot. Failures are logged; the in-memory state
// stays authoritative.
func (s *Store) saveLocked() {
	if s.stateBackend == nil {
		return
	}
	state := &persistedState{
		Documents: s.documents,
		Sessions:  s.sessions,
		Messages:  s.messages,
	}
	if err := s.stateBackend.Save(state); err != nil {
		s.logger.Error("persist state failed", zap.Error(err))
	}
}

func (s *Store) notify(userID string) {
	if s.queue == nil || userID == "" {
		return
	}
	if !s.queue.TryEnqueue(userID) {
		s.logger.Warn("notification queue full, dropping notification",
			zap.String("user_id", userID),
			zap.Int("capacity", s.queue.Capacity()))
	}
}

func (s *Store) notificationWorker() {
	for {
		userID, ok := s.queue.Dequeue(s.queueCtx)
		if !ok {
			return
		}
		users := s.collectBatch(userID)
		if err := s.notifier.NewDataAvailableForUsers(s.queueCtx, nil, users...); err != nil {
			if s.queueCtx.Err() != nil {
				return
			}
			s.handleNotifyError(users, err)
			continue
		}
		s.logger.Debug("notified platform of new data", zap.Strings("users", users))
	}
}

// collectBatch adds whatever is already queued, without waiting, to first.
func (s *Store) collectBatch(first string) []string {
	seen := map[string]bool{first: true}
	users := []string{first}
	for len(users) < notifyBatchSize && s.queue.Depth() > 0 {
		userID, ok := s.queue.Dequeue(s.queueCtx)
		if !ok {
			break
		}
		if !seen[userID] {
			seen[userID] = true
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}

func (s *Store) handleNotifyError(users []string, err error) {
	var unavailable *platform.UnavailableError
	if !errors.As(err, &unavailable) {
		s.logger.Error("new data notification failed", zap.Strings("users", users), zap.Error(err))
		return
	}
	delay := unavailable.RetryAfter
	if delay <= 0 {
		delay = defaultNotifyRetryDelay
	}
	s.logger.Warn("platform unavailable, requeueing notification",
		zap.Strings("users", users), zap.Duration("retry_after", delay))
	for _, userID := range users {
		s.notify(userID)
	}
	select {
	case <-s.queueCtx.Done():
	case <-time.After(delay):
	}
}

func cloneJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
