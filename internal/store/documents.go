package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/kayyum-khan/integration-framework/internal/adapter"
)

// Fields the protocol owns. They are stripped on write and regenerated on
// read.
var metaFields = []string{"_id", "_type", "_rev", "_attachments"}

type attachmentMeta struct {
	ContentType string `json:"contentType"`
	Length      int    `json:"length"`
	Revision    int64  `json:"_rev"`
}

// FindByUserAndDevice lists the user's documents plus unowned ones. An
// empty userID lists everything. Documents are not scoped per device.
func (s *Store) FindByUserAndDevice(_ context.Context, userID, _ string) ([]adapter.DocumentReference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]adapter.DocumentReference, 0, len(s.documents))
	for _, doc := range s.documents {
		if userID != "" && doc.Owner != "" && doc.Owner != userID {
			continue
		}
		refs = append(refs, adapter.DocumentReference{ID: doc.ID, Type: doc.Type, Revision: doc.Revision})
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].ID < refs[j].ID
	})
	return refs, nil
}

func (s *Store) RetrieveDocument(_ context.Context, docType, docID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[documentKey(docType, docID)]
	if !ok {
		return nil, nil
	}
	return renderDocument(doc)
}

func (s *Store) InsertDocument(_ context.Context, userID, _ string, ref adapter.DocumentReference, body json.RawMessage) (int64, error) {
	fields, err := s.checkWrite(ref, body)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := documentKey(ref.Type, ref.ID)
	if _, exists := s.documents[key]; exists {
		return 0, adapter.Statusf(http.StatusConflict, "document %s/%s exists", ref.Type, ref.ID)
	}
	s.documents[key] = &storedDocument{
		Type:     ref.Type,
		ID:       ref.ID,
		Revision: 1,
		Owner:    userID,
		Body:     fields,
		Updated:  s.now().UTC(),
	}
	s.saveLocked()
	s.notify(userID)
	s.logger.Debug("document inserted", zap.String("type", ref.Type), zap.String("id", ref.ID))
	return 1, nil
}

func (s *Store) UpdateDocument(_ context.Context, _, _ string, ref adapter.DocumentReference, body json.RawMessage) (int64, error) {
	fields, err := s.checkWrite(ref, body)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.documentAtRevisionLocked(ref)
	if err != nil {
		return 0, err
	}
	doc.Revision++
	doc.Body = fields
	doc.Updated = s.now().UTC()
	s.saveLocked()
	s.notify(doc.Owner)
	return doc.Revision, nil
}

func (s *Store) DeleteDocument(_ context.Context, _, _ string, ref adapter.DocumentReference) error {
	if err := adapter.ValidateReference(ref); err != nil {
		return &adapter.StatusError{Code: http.StatusBadRequest, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.documentAtRevisionLocked(ref)
	if err != nil {
		return err
	}
	delete(s.documents, documentKey(ref.Type, ref.ID))
	s.saveLocked()
	s.notify(doc.Owner)
	return nil
}

// documentAtRevisionLocked finds the document ref names and checks that
// ref carries its current revision.
func (s *Store) documentAtRevisionLocked(ref adapter.DocumentReference) (*storedDocument, error) {
	doc, ok := s.documents[documentKey(ref.Type, ref.ID)]
	if !ok {
		return nil, adapter.Statusf(http.StatusNotFound, "document %s/%s", ref.Type, ref.ID)
	}
	if doc.Revision != ref.Revision {
		return nil, adapter.Statusf(http.StatusPreconditionFailed,
			"document %s/%s is at revision %d, not %d", ref.Type, ref.ID, doc.Revision, ref.Revision)
	}
	return doc, nil
}

// checkWrite validates a document write and returns the body without the
// protocol fields.
func (s *Store) checkWrite(ref adapter.DocumentReference, body json.RawMessage) (json.RawMessage, error) {
	if err := adapter.ValidateReference(ref); err != nil {
		return nil, &adapter.StatusError{Code: http.StatusBadRequest, Err: err}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, adapter.Statusf(http.StatusBadRequest, "document body is not a JSON object")
	}
	for _, name := range metaFields {
		delete(fields, name)
	}
	stripped, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	if err := s.schemas.Validate(ref.Type, stripped); err != nil {
		if errors.Is(err, ErrSchemaViolation) {
			return nil, &adapter.StatusError{Code: http.StatusUnprocessableEntity, Err: err}
		}
		return nil, err
	}
	return stripped, nil
}

func renderDocument(doc *storedDocument) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(doc.Body) > 0 {
		var body map[string]json.RawMessage
		if err := json.Unmarshal(doc.Body, &body); err != nil {
			return nil, err
		}
		for name, value := range body {
			fields[name] = value
		}
	}
	fields["_id"] = doc.ID
	fields["_type"] = doc.Type
	fields["_rev"] = doc.Revision
	if len(doc.Attachments) > 0 {
		attachments := make(map[string]attachmentMeta, len(doc.Attachments))
		for name, att := range doc.Attachments {
			attachments[name] = attachmentMeta{ContentType: att.ContentType, Length: len(att.Data), Revision: att.Revision}
		}
		fields["_attachments"] = attachments
	}
	return json.Marshal(fields)
}
