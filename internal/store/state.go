package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kayyum-khan/integration-framework/internal/adapter"
)

type storedAttachment struct {
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
	Revision    int64  `json:"revision"`
}

type storedDocument struct {
	Type        string                       `json:"type"`
	ID          string                       `json:"id"`
	Revision    int64                        `json:"revision"`
	Owner       string                       `json:"owner"`
	Body        json.RawMessage              `json:"body"`
	Attachments map[string]*storedAttachment `json:"attachments,omitempty"`
	Updated     time.Time                    `json:"updated"`
}

type storedSession struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	DeviceID       string          `json:"deviceId"`
	Revision       int64           `json:"revision"`
	Session        json.RawMessage `json:"session"`
	BackendContext json.RawMessage `json:"backendContext"`
	Created        time.Time       `json:"created"`
}

// AttachmentSummary describes one co-message attachment without its bytes.
type AttachmentSummary struct {
	Name        string `json:"name"`
	FileName    string `json:"fileName,omitempty"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// MessageRecord is one received co-message as kept in the log.
type MessageRecord struct {
	ReceiptID   string              `json:"receiptId"`
	Destination string              `json:"destination"`
	MessageID   string              `json:"messageId"`
	UserID      string              `json:"userId"`
	DeviceID    string              `json:"deviceId"`
	Created     time.Time           `json:"created"`
	Received    time.Time           `json:"received"`
	Payload     json.RawMessage     `json:"payload"`
	Context     json.RawMessage     `json:"context"`
	Attachments []AttachmentSummary `json:"attachments,omitempty"`
	// Location is set when the client context carried the device position.
	Location *adapter.Location `json:"location,omitempty"`
}

type persistedState struct {
	Documents map[string]*storedDocument `json:"documents"`
	Sessions  map[string]*storedSession  `json:"sessions"`
	Messages  []MessageRecord            `json:"messages"`
}

// StateBackend persists whole-store snapshots. Load returns nil when
// nothing has been saved yet.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	var clone persistedState
	if err := json.Unmarshal(b.snapshot, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = data
	return nil
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Save writes through a temporary file so a crash never leaves a torn
// snapshot behind.
func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(b.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
