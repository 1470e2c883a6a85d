package datasync

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/kayyum-khan/integration-framework/internal/adapter"
)

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	docType := pathParam(r, "docType")
	docID := pathParam(r, "docID")
	name := pathParam(r, "name")
	att, err := s.adapter.RetrieveAttachment(r.Context(), docType, docID, name)
	if err != nil {
		s.writeAdapterError(w, r, "get_attachment", err)
		return
	}
	if att == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if closer, ok := att.Data.(io.Closer); ok {
		defer closer.Close()
	}
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("ETag", FormatETag(att.Revision))
	w.Header().Set("Content-Type", contentType)
	if att.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(att.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	if att.Data == nil {
		return
	}
	if _, err := io.Copy(w, att.Data); err != nil {
		s.logger.Warn("attachment stream interrupted",
			zap.String("doc_type", docType), zap.String("doc_id", docID), zap.String("name", name), zap.Error(err))
	}
}

func (s *Server) handlePutAttachment(w http.ResponseWriter, r *http.Request) {
	holdUpload(w)
	userID, deviceID, ok := identity(w, r)
	if !ok {
		return
	}
	matchRevision, conditional, ok := ifMatch(w, r)
	if !ok {
		return
	}
	contentType := r.Header.Get("Content-Type")
	if _, _, err := mime.ParseMediaType(contentType); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	docType := pathParam(r, "docType")
	docID := pathParam(r, "docID")
	name := pathParam(r, "name")
	// ContentLength is -1 when the client did not declare one.
	contentLength := r.ContentLength

	var (
		revs   adapter.Revisions
		err    error
		status int
	)
	if conditional {
		revs, err = s.adapter.UpdateAttachment(r.Context(), userID, deviceID, docType, docID, name, matchRevision, contentType, contentLength, r.Body)
		status = http.StatusNoContent
	} else {
		revs, err = s.adapter.InsertAttachment(r.Context(), userID, deviceID, docType, docID, name, contentType, contentLength, r.Body)
		status = http.StatusCreated
	}
	if err != nil {
		s.writeAdapterError(w, r, "put_attachment", err)
		return
	}
	if drainBody(r) {
		releaseUpload(w)
	}
	w.Header().Set(HeaderDocRev, FormatETag(revs.Document))
	w.Header().Set("ETag", FormatETag(revs.Attachment))
	w.WriteHeader(status)
}

func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := identity(w, r)
	if !ok {
		return
	}
	matchRevision, ok := requireIfMatch(w, r)
	if !ok {
		return
	}
	docRevision, err := s.adapter.DeleteAttachment(r.Context(), userID, deviceID,
		pathParam(r, "docType"), pathParam(r, "docID"), pathParam(r, "name"), matchRevision)
	if err != nil {
		s.writeAdapterError(w, r, "delete_attachment", err)
		return
	}
	w.Header().Set(HeaderDocRev, FormatETag(docRevision))
	w.WriteHeader(http.StatusNoContent)
}

// maxDrainBytes bounds how much of an accepted upload the adapter left
// unread is discarded to keep the connection.
const maxDrainBytes = 256 << 10

// holdUpload marks the response to close the connection. Any answer written
// before the upload is accepted then goes out at once, and net/http drops the
// unread body instead of waiting for the client to finish sending it.
func holdUpload(w http.ResponseWriter) {
	w.Header().Set("Connection", "close")
}

// releaseUpload lets the connection be reused once the body is consumed.
func releaseUpload(w http.ResponseWriter) {
	w.Header().Del("Connection")
}

// drainBody discards at most maxDrainBytes the adapter left unread and
// reports whether the body reached its end.
func drainBody(r *http.Request) bool {
	_, err := io.CopyN(io.Discard, r.Body, maxDrainBytes+1)
	return errors.Is(err, io.EOF)
}
