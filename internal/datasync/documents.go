package datasync

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/kayyum-khan/integration-framework/internal/adapter"
)

type listDocumentsResponse struct {
	DocumentReferences []adapter.DocumentReference `json:"documentReferences"`
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	refs, err := s.adapter.FindByUserAndDevice(r.Context(), query.Get("userId"), query.Get("deviceId"))
	if err != nil {
		s.writeAdapterError(w, r, "list_documents", err)
		return
	}
	if refs == nil {
		refs = []adapter.DocumentReference{}
	}
	writeJSON(w, http.StatusOK, listDocumentsResponse{DocumentReferences: refs})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	docType := pathParam(r, "docType")
	docID := pathParam(r, "docID")
	doc, err := s.adapter.RetrieveDocument(r.Context(), docType, docID)
	if err != nil {
		s.writeAdapterError(w, r, "get_document", err)
		return
	}
	if doc == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	revision, err := documentRevision(doc)
	if err != nil {
		s.logger.Error("document without usable _rev",
			zap.String("doc_type", docType), zap.String("doc_id", docID), zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("ETag", FormatETag(revision))
	writeRawJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := identity(w, r)
	if !ok {
		return
	}
	matchRevision, conditional, ok := ifMatch(w, r)
	if !ok {
		return
	}
	doc, ok := s.readJSONObject(w, r)
	if !ok {
		return
	}
	docType := pathParam(r, "docType")
	docID := pathParam(r, "docID")
	ctx := r.Context()

	if docType == adapter.ClientSessionDocType {
		if conditional {
			if err := s.adapter.UpdateClientSession(ctx, userID, deviceID, docID, doc); err != nil {
				s.writeAdapterError(w, r, "update_client_session", err)
				return
			}
			w.Header().Set("ETag", FormatETag(matchRevision+1))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		backendContext, err := s.adapter.CreateClientSession(ctx, userID, deviceID, docID, doc)
		if err != nil {
			s.writeAdapterError(w, r, "create_client_session", err)
			return
		}
		if len(backendContext) == 0 {
			backendContext = json.RawMessage(`{}`)
		}
		w.Header().Set("ETag", FormatETag(1))
		writeRawJSON(w, http.StatusCreated, backendContext)
		return
	}

	if conditional {
		ref := adapter.DocumentReference{ID: docID, Type: docType, Revision: matchRevision}
		revision, err := s.adapter.UpdateDocument(ctx, userID, deviceID, ref, doc)
		if err != nil {
			s.writeAdapterError(w, r, "update_document", err)
			return
		}
		w.Header().Set("ETag", FormatETag(revision))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ref := adapter.DocumentReference{ID: docID, Type: docType, Revision: 0}
	revision, err := s.adapter.InsertDocument(ctx, userID, deviceID, ref, doc)
	if err != nil {
		s.writeAdapterError(w, r, "insert_document", err)
		return
	}
	w.Header().Set("ETag", FormatETag(revision))
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := identity(w, r)
	if !ok {
		return
	}
	matchRevision, ok := requireIfMatch(w, r)
	if !ok {
		return
	}
	docType := pathParam(r, "docType")
	docID := pathParam(r, "docID")

	var err error
	if docType == adapter.ClientSessionDocType {
		err = s.adapter.RemoveClientSession(r.Context(), userID, deviceID, docID)
	} else {
		ref := adapter.DocumentReference{ID: docID, Type: docType, Revision: matchRevision}
		err = s.adapter.DeleteDocument(r.Context(), userID, deviceID, ref)
	}
	if err != nil {
		s.writeAdapterError(w, r, "delete_document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// documentRevision reads _rev from a document. Numeric strings are
// accepted.
func documentRevision(doc json.RawMessage) (int64, error) {
	var meta struct {
		Rev json.RawMessage `json:"_rev"`
	}
	if err := json.Unmarshal(doc, &meta); err != nil {
		return 0, err
	}
	if len(meta.Rev) == 0 || string(meta.Rev) == "null" {
		return 0, errMissingRevision
	}
	var n json.Number
	if err := json.Unmarshal(meta.Rev, &n); err == nil {
		return n.Int64()
	}
	var text string
	if err := json.Unmarshal(meta.Rev, &text); err != nil {
		return 0, err
	}
	return strconv.ParseInt(text, 10, 64)
}
