package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultQueueCapacity = 256

// NotificationQueue buffers user ids waiting for a new-data notification.
type NotificationQueue interface {
	TryEnqueue(userID string) bool
	Dequeue(ctx context.Context) (string, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryNotificationQueue struct {
	ch chan string
}

func NewInMemoryNotificationQueue(capacity int) NotificationQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryNotificationQueue{ch: make(chan string, capacity)}
}

func (q *inMemoryNotificationQueue) TryEnqueue(userID string) bool {
	if userID == "" {
		return false
	}
	select {
	case q.ch <- userID:
		return true
	default:
		return false
	}
}

func (q *inMemoryNotificationQueue) Dequeue(ctx context.Context) (string, bool) {
	select {
	case userID := <-q.ch:
		return userID, true
	case <-ctx.Done():
		return "", false
	}
}

func (q *inMemoryNotificationQueue) Depth() int    { return len(q.ch) }
func (q *inMemoryNotificationQueue) Capacity() int { return cap(q.ch) }
func (q *inMemoryNotificationQueue) Close() error  { return nil }

// fileNotificationQueue rewrites the whole pending list on every change so
// notifications queued before a restart are still delivered.
type fileNotificationQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration

	mu    sync.Mutex
	items []string
}

type fileNotificationQueueState struct {
	Items []string `json:"items"`
}

func NewFileNotificationQueue(path string, capacity int) (NotificationQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidDSN
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &fileNotificationQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileNotificationQueue) TryEnqueue(userID string) bool {
	if strings.TrimSpace(userID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, userID)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileNotificationQueue) Dequeue(ctx context.Context) (string, bool) {
	for {
		if userID, ok := q.pop(); ok {
			return userID, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileNotificationQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]string{item}, q.items...)
		return "", false
	}
	return item, true
}

func (q *fileNotificationQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileNotificationQueue) Capacity() int { return q.capacity }
func (q *fileNotificationQueue) Close() error  { return nil }

func (q *fileNotificationQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileNotificationQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	// Keep the newest entries when the capacity shrank between runs.
	if len(snapshot.Items) > q.capacity {
		q.items = append([]string(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]string(nil), snapshot.Items...)
	return nil
}

func (q *fileNotificationQueue) saveLocked() error {
	data, err := json.Marshal(fileNotificationQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
