package store

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kayyum-khan/integration-framework/internal/adapter"
)

type receipt struct {
	ReceiptID string `json:"receiptId"`
}

// ProcessMessage logs the co-message with a summary of its attachments and
// answers it, either through the handler for its destination or with a
// plain receipt.
func (s *Store) ProcessMessage(ctx context.Context, destination string, msg adapter.COMessage, attachments adapter.AttachmentIterator) (*adapter.COMessageResponse, error) {
	if s.inflight != nil {
		select {
		case s.inflight <- struct{}{}:
			defer func() { <-s.inflight }()
		default:
			s.logger.Warn("too many co-messages in flight, asking device to retry",
				zap.String("destination", destination),
				zap.Int("limit", cap(s.inflight)))
			return nil, adapter.Unavailable(int(math.Ceil(s.retryAfter.Seconds())))
		}
	}

	summaries, err := summarizeAttachments(attachments)
	if err != nil {
		return nil, err
	}
	record := MessageRecord{
		ReceiptID:   uuid.NewString(),
		Destination: destination,
		MessageID:   msg.MessageID,
		UserID:      msg.UserID,
		DeviceID:    msg.DeviceID,
		Created:     msg.Created,
		Received:    s.now().UTC(),
		Payload:     cloneJSON(msg.Payload),
		Context:     cloneJSON(msg.Context),
		Attachments: summaries,
	}
	if loc, ok := adapter.LocationFromContext(msg.Context); ok {
		record.Location = &loc
	}

	s.mu.Lock()
	s.messages = append(s.messages, record)
	if overflow := len(s.messages) - s.messageLogSize; overflow > 0 {
		s.messages = append([]MessageRecord(nil), s.messages[overflow:]...)
	}
	s.saveLocked()
	handler := s.handlers[destination]
	s.mu.Unlock()

	s.logger.Info("co-message received",
		zap.String("destination", destination),
		zap.String("message_id", msg.MessageID),
		zap.String("user_id", msg.UserID),
		zap.Int("attachments", len(summaries)))

	if handler != nil {
		return handler(ctx, record)
	}
	return &adapter.COMessageResponse{
		Success: true,
		Payload: receipt{ReceiptID: record.ReceiptID},
	}, nil
}

// Messages returns the logged co-messages for destination, oldest first. An
// empty destination returns all of them.
func (s *Store) Messages(destination string) []MessageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MessageRecord, 0, len(s.messages))
	for _, record := range s.messages {
		if destination == "" || record.Destination == destination {
			out = append(out, record)
		}
	}
	return out
}

func summarizeAttachments(attachments adapter.AttachmentIterator) ([]AttachmentSummary, error) {
	if attachments == nil {
		return nil, nil
	}
	var summaries []AttachmentSummary
	for attachments.HasNext() {
		att, err := attachments.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("next attachment: %w", err)
		}
		var size int64
		if att.Body != nil {
			if size, err = io.Copy(io.Discard, att.Body); err != nil {
				return nil, fmt.Errorf("read attachment %s: %w", att.Name, err)
			}
		}
		summaries = append(summaries, AttachmentSummary{
			Name:        att.Name,
			FileName:    att.FileName,
			ContentType: att.ContentType,
			Size:        size,
		})
	}
	if err := attachments.Err(); err != nil {
		return nil, fmt.Errorf("read attachments: %w", err)
	}
	return summaries, nil
}
