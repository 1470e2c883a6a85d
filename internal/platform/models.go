package platform

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type User struct {
	ID       string          `json:"_id"`
	Username string          `json:"username"`
	Email    string          `json:"email,omitempty"`
	FullName string          `json:"fullName,omitempty"`
	Profile  json.RawMessage `json:"profile,omitempty"`
	Roles    []string        `json:"roles,omitempty"`
}

type ClientSessionLinks struct {
	Self string `json:"self,omitempty"`
}

// ClientSession is a device session as the platform reports it. Times are
// epoch milliseconds.
type ClientSession struct {
	User         string             `json:"user"`
	DeviceID     string             `json:"deviceId"`
	Created      int64              `json:"created"`
	LastAccessed int64              `json:"lastAccessed"`
	Context      json.RawMessage    `json:"context,omitempty"`
	ID           string             `json:"_id"`
	Rev          int64              `json:"_rev"`
	Links        ClientSessionLinks `json:"links"`
}

type BackendMessageRecipients struct {
	Users             []string `json:"users,omitempty"`
	DistributionLists []string `json:"distributionLists,omitempty"`
}

type BackendMessageNotification struct {
	Sound     bool            `json:"sound"`
	Vibration bool            `json:"vibration"`
	Message   string          `json:"message"`
	Condition json.RawMessage `json:"condition,omitempty"`
}

// BackendMessage is a message pushed from the backend to devices.
// ActiveFrom is epoch milliseconds, zero meaning now. TimeToLive is in
// seconds.
type BackendMessage struct {
	Type         string                      `json:"type"`
	ActiveFrom   int64                       `json:"activeFrom,omitempty"`
	TimeToLive   int64                       `json:"timeToLive"`
	Urgent       bool                        `json:"urgent"`
	Launchable   string                      `json:"_launchable,omitempty"`
	Payload      json.RawMessage             `json:"payload"`
	Recipients   *BackendMessageRecipients   `json:"recipients,omitempty"`
	Notification *BackendMessageNotification `json:"notification,omitempty"`
}

func (m BackendMessage) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("%w: backend message type is required", ErrInvalid)
	}
	if isNullJSON(m.Payload) {
		return fmt.Errorf("%w: backend message payload is required", ErrInvalid)
	}
	if m.TimeToLive < 0 {
		return fmt.Errorf("%w: backend message timeToLive must not be negative", ErrInvalid)
	}
	if m.Notification != nil && m.Notification.Message == "" {
		return fmt.Errorf("%w: notification message is required", ErrInvalid)
	}
	return nil
}

type ReadReceipt struct {
	User          string `json:"user"`
	Revision      int64  `json:"revision"`
	ReadTimestamp int64  `json:"readTimestamp"`
}

type EnrichedBackendMessageLinks struct {
	Self string `json:"self,omitempty"`
}

// EnrichedBackendMessage is a stored backend message with the fields the
// platform adds.
type EnrichedBackendMessage struct {
	BackendMessage
	ID      string                      `json:"_id"`
	Created int64                       `json:"created"`
	Links   EnrichedBackendMessageLinks `json:"links"`
	ReadBy  []ReadReceipt               `json:"readBy,omitempty"`
}

type BackendMessageUpdate struct {
	TimeToLive   int64                       `json:"timeToLive"`
	Payload      json.RawMessage             `json:"payload,omitempty"`
	Notification *BackendMessageNotification `json:"notification,omitempty"`
}

func (u BackendMessageUpdate) Validate() error {
	if u.TimeToLive < 0 {
		return fmt.Errorf("%w: backend message timeToLive must not be negative", ErrInvalid)
	}
	if u.Notification != nil && u.Notification.Message == "" {
		return fmt.Errorf("%w: notification message is required", ErrInvalid)
	}
	return nil
}

// BackendMessageFilter narrows FetchBackendMessages. An empty Type matches
// every message.
type BackendMessageFilter struct {
	Type        string
	WithPayload bool
}

type DistributionListLinks struct {
	Self string `json:"self,omitempty"`
}

type DistributionList struct {
	Users []string              `json:"users"`
	ID    string                `json:"_id,omitempty"`
	Rev   int64                 `json:"_rev,omitempty"`
	Links DistributionListLinks `json:"links"`
}

// MessageAttachment is one file sent along with a backend message.
type MessageAttachment struct {
	Name        string
	ContentType string
	Data        []byte
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
