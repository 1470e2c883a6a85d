package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/kayyum-khan/integration-framework/internal/adapter"
)

const defaultAttachmentContentType = "application/octet-stream"

func (s *Store) RetrieveAttachment(_ context.Context, docType, docID, name string) (*adapter.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[documentKey(docType, docID)]
	if !ok {
		return nil, nil
	}
	att, ok := doc.Attachments[name]
	if !ok {
		return nil, nil
	}
	data := append([]byte(nil), att.Data...)
	return &adapter.Attachment{
		ContentType:   att.ContentType,
		ContentLength: int64(len(data)),
		Data:          bytes.NewReader(data),
		Revision:      att.Revision,
	}, nil
}

func (s *Store) InsertAttachment(_ context.Context, _, _, docType, docID, name, contentType string, contentLength int64, body io.Reader) (adapter.Revisions, error) {
	data, err := s.readAttachment(docType, docID, name, contentLength, body)
	if err != nil {
		return adapter.Revisions{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[documentKey(docType, docID)]
	if !ok {
		return adapter.Revisions{}, adapter.Statusf(http.StatusNotFound, "document %s/%s", docType, docID)
	}
	if _, exists := doc.Attachments[name]; exists {
		return adapter.Revisions{}, adapter.Statusf(http.StatusConflict, "attachment %s exists", name)
	}
	if doc.Attachments == nil {
		doc.Attachments = map[string]*storedAttachment{}
	}
	doc.Attachments[name] = &storedAttachment{
		ContentType: attachmentContentType(contentType),
		Data:        data,
		Revision:    1,
	}
	return s.touchLocked(doc, 1), nil
}

func (s *Store) UpdateAttachment(_ context.Context, _, _, docType, docID, name string, revision int64, contentType string, contentLength int64, body io.Reader) (adapter.Revisions, error) {
	data, err := s.readAttachment(docType, docID, name, contentLength, body)
	if err != nil {
		return adapter.Revisions{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, att, err := s.attachmentAtRevisionLocked(docType, docID, name, revision)
	if err != nil {
		return adapter.Revisions{}, err
	}
	att.ContentType = attachmentContentType(contentType)
	att.Data = data
	att.Revision++
	return s.touchLocked(doc, att.Revision), nil
}

func (s *Store) DeleteAttachment(_ context.Context, _, _, docType, docID, name string, revision int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, _, err := s.attachmentAtRevisionLocked(docType, docID, name, revision)
	if err != nil {
		return 0, err
	}
	delete(doc.Attachments, name)
	return s.touchLocked(doc, 0).Document, nil
}

// touchLocked bumps the document revision after an attachment change.
func (s *Store) touchLocked(doc *storedDocument, attachmentRevision int64) adapter.Revisions {
	doc.Revision++
	doc.Updated = s.now().UTC()
	s.saveLocked()
	s.notify(doc.Owner)
	return adapter.Revisions{Document: doc.Revision, Attachment: attachmentRevision}
}

func (s *Store) attachmentAtRevisionLocked(docType, docID, name string, revision int64) (*storedDocument, *storedAttachment, error) {
	doc, ok := s.documents[documentKey(docType, docID)]
	if !ok {
		return nil, nil, adapter.Statusf(http.StatusNotFound, "document %s/%s", docType, docID)
	}
	att, ok := doc.Attachments[name]
	if !ok {
		return nil, nil, adapter.Statusf(http.StatusNotFound, "attachment %s", name)
	}
	if att.Revision != revision {
		return nil, nil, adapter.Statusf(http.StatusPreconditionFailed,
			"attachment %s is at revision %d, not %d", name, att.Revision, revision)
	}
	return doc, att, nil
}

// readAttachment validates the names and reads body before any lock is
// taken.
func (s *Store) readAttachment(docType, docID, name string, contentLength int64, body io.Reader) ([]byte, error) {
	if err := adapter.ValidateReference(adapter.DocumentReference{ID: docID, Type: docType}); err != nil {
		return nil, &adapter.StatusError{Code: http.StatusBadRequest, Err: err}
	}
	if err := adapter.ValidateIdentifier("attachment name", name); err != nil {
		return nil, &adapter.StatusError{Code: http.StatusBadRequest, Err: err}
	}
	if contentLength > s.maxAttachmentBytes {
		return nil, adapter.Statusf(http.StatusRequestEntityTooLarge, "attachment of %d bytes", contentLength)
	}
	if body == nil {
		body = http.NoBody
	}
	data, err := io.ReadAll(io.LimitReader(body, s.maxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment %s: %w", name, err)
	}
	if int64(len(data)) > s.maxAttachmentBytes {
		return nil, adapter.Statusf(http.StatusRequestEntityTooLarge, "attachment larger than %d bytes", s.maxAttachmentBytes)
	}
	if contentLength >= 0 && int64(len(data)) != contentLength {
		return nil, adapter.Statusf(http.StatusBadRequest, "attachment has %d bytes, declared %d", len(data), contentLength)
	}
	return data, nil
}

func attachmentContentType(contentType string) string {
	if contentType == "" {
		return defaultAttachmentContentType
	}
	return contentType
}
