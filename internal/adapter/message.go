package adapter

import (
	"encoding/json"
	"io"
	"time"
)

// COMessage is a device to backend message. Payload and Context are JSON
// objects.
type COMessage struct {
	MessageID string          `json:"messageId"`
	UserID    string          `json:"userId"`
	DeviceID  string          `json:"deviceId"`
	Created   time.Time       `json:"created"`
	Payload   json.RawMessage `json:"payload"`
	Context   json.RawMessage `json:"context"`
}

// COMessageResponse is the backend's answer to a co-message. A nil Payload
// gives an empty body.
type COMessageResponse struct {
	Success               bool
	Payload               any
	TimeToLive            int64
	Urgent                bool
	NotificationMessage   string
	NotificationSound     bool
	NotificationVibration bool
}

// MessageAttachment is one named part of a co-message.
type MessageAttachment struct {
	Name        string
	FileName    string
	ContentType string
	Body        io.Reader
}

// AttachmentIterator walks co-message attachments in submission order.
//
// It is single pass and forward only: a MessageAttachment's Body is valid
// until the next call to HasNext or Next, after which any unread bytes are
// discarded.
type AttachmentIterator interface {
	// HasNext reports whether another attachment follows. Errors from the
	// underlying stream make it return false; see Err.
	HasNext() bool
	// Next returns the next attachment, or io.EOF when there is none.
	Next() (MessageAttachment, error)
	Err() error
}

// SliceAttachments iterates over attachments held in memory.
type SliceAttachments struct {
	items []MessageAttachment
	pos   int
}

func NewSliceAttachments(items ...MessageAttachment) *SliceAttachments {
	return &SliceAttachments{items: items}
}

func (s *SliceAttachments) HasNext() bool {
	return s.pos < len(s.items)
}

func (s *SliceAttachments) Next() (MessageAttachment, error) {
	if s.pos >= len(s.items) {
		return MessageAttachment{}, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	return item, nil
}

func (s *SliceAttachments) Err() error {
	return nil
}
