package datasync

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kayyum-khan/integration-framework/internal/adapter"
)

func (s *Server) handleCOMessage(w http.ResponseWriter, r *http.Request) {
	holdUpload(w)
	destination := pathParam(r, "destination")
	userID, deviceID, ok := identity(w, r)
	if !ok {
		return
	}
	messageID := r.Header.Get(HeaderMessageID)
	createdMillis, err := strconv.ParseInt(r.Header.Get(HeaderCreated), 10, 64)
	if messageID == "" || err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// The first two parts are payload and context, by position.
	payload, err := s.readJSONPart(reader)
	if err != nil {
		s.logger.Debug("bad co-message payload part", zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	msgContext, err := s.readJSONPart(reader)
	if err != nil {
		s.logger.Debug("bad co-message context part", zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	msg := adapter.COMessage{
		MessageID: messageID,
		UserID:    userID,
		DeviceID:  deviceID,
		Created:   time.UnixMilli(createdMillis).UTC(),
		Payload:   payload,
		Context:   msgContext,
	}
	attachments := newPartIterator(reader)
	resp, err := s.adapter.ProcessMessage(r.Context(), destination, msg, attachments)
	// Unread parts are consumed whatever the adapter answered.
	if skipped := attachments.drain(); skipped > 0 {
		s.logger.Debug("drained unread co-message attachments",
			zap.String("message_id", messageID), zap.Int("skipped", skipped))
	}
	if attachments.Err() == nil {
		releaseUpload(w)
	}
	if err != nil {
		var unavailable *adapter.UnavailableError
		if errors.As(err, &unavailable) {
			if unavailable.RetryAfterSeconds > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(unavailable.RetryAfterSeconds))
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		s.writeAdapterError(w, r, "process_message", err)
		return
	}
	s.writeCOMessageResponse(w, resp)
}

func (s *Server) writeCOMessageResponse(w http.ResponseWriter, resp *adapter.COMessageResponse) {
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h := w.Header()
	h.Set(HeaderSuccess, strconv.FormatBool(resp.Success))
	if resp.Urgent {
		h.Set(HeaderUrgent, "true")
	}
	if resp.TimeToLive > 0 {
		h.Set(HeaderTimeToLive, strconv.FormatInt(resp.TimeToLive, 10))
	}
	// Sound and vibration only travel with a notification message.
	if resp.NotificationMessage != "" {
		h.Set(HeaderNotificationMessage, resp.NotificationMessage)
		if resp.NotificationSound {
			h.Set(HeaderNotificationSound, "true")
		}
		if resp.NotificationVibration {
			h.Set(HeaderNotificationVibration, "true")
		}
	}

	body, err := encodePayload(resp.Payload)
	if err != nil {
		s.logger.Error("encode co-message response payload", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if body == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeRawJSON(w, http.StatusOK, body)
}

func encodePayload(payload any) ([]byte, error) {
	switch typed := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(typed) == 0 {
			return nil, nil
		}
		return typed, nil
	default:
		return json.Marshal(typed)
	}
}

func (s *Server) readJSONPart(reader *multipart.Reader) (json.RawMessage, error) {
	part, err := reader.NextPart()
	if err != nil {
		return nil, err
	}
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, s.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.cfg.MaxBodyBytes {
		return nil, errPartTooLarge
	}
	if !isJSONObject(data) {
		return nil, errNotJSONObject
	}
	return json.RawMessage(data), nil
}

var (
	errPartTooLarge  = errors.New("co-message part exceeds body limit")
	errNotJSONObject = errors.New("co-message part is not a JSON object")
)
