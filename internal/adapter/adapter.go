// Package adapter defines the contract between the data sync protocol and the
// backend system that owns documents, attachments, client sessions and
// co-messages.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// ClientSessionDocType is the document type the platform uses for device
// sessions. Writes to it bypass revision handling and exchange backend
// context instead.
const ClientSessionDocType = "_clientsession"

// DocumentReference identifies one revision of a document. Revision 0 means
// the document does not exist yet.
type DocumentReference struct {
	ID       string `json:"_id"`
	Type     string `json:"_type"`
	Revision int64  `json:"_rev"`
}

func (r DocumentReference) String() string {
	return fmt.Sprintf("%s/%s@%d", r.Type, r.ID, r.Revision)
}

// Attachment is a binary attachment as served to clients. ContentLength is -1
// when unknown. The caller closes Data if it implements io.Closer.
type Attachment struct {
	ContentType   string
	ContentLength int64
	Data          io.Reader
	Revision      int64
}

// Revisions is the result of an attachment write: the owning document's new
// revision and the attachment's new revision.
type Revisions struct {
	Document   int64
	Attachment int64
}

// Adapter is implemented by the backend system.
//
// Write operations report rejection with a *StatusError; the code is sent to
// the client verbatim. The adapter is the only authority on revision
// conflicts.
type Adapter interface {
	// FindByUserAndDevice lists the documents visible to a user. Both ids
	// may be empty.
	FindByUserAndDevice(ctx context.Context, userID, deviceID string) ([]DocumentReference, error)
	// RetrieveDocument returns the document JSON, or nil if it does not
	// exist. The JSON must carry a numeric _rev field.
	RetrieveDocument(ctx context.Context, docType, docID string) (json.RawMessage, error)
	// RetrieveAttachment returns nil if the attachment does not exist.
	RetrieveAttachment(ctx context.Context, docType, docID, name string) (*Attachment, error)

	InsertDocument(ctx context.Context, userID, deviceID string, ref DocumentReference, doc json.RawMessage) (int64, error)
	UpdateDocument(ctx context.Context, userID, deviceID string, ref DocumentReference, doc json.RawMessage) (int64, error)
	DeleteDocument(ctx context.Context, userID, deviceID string, ref DocumentReference) error

	// CreateClientSession returns the backend context for the new session,
	// or nil for none.
	CreateClientSession(ctx context.Context, userID, deviceID, sessionID string, session json.RawMessage) (json.RawMessage, error)
	UpdateClientSession(ctx context.Context, userID, deviceID, sessionID string, session json.RawMessage) error
	RemoveClientSession(ctx context.Context, userID, deviceID, sessionID string) error

	InsertAttachment(ctx context.Context, userID, deviceID, docType, docID, name, contentType string, contentLength int64, body io.Reader) (Revisions, error)
	UpdateAttachment(ctx context.Context, userID, deviceID, docType, docID, name string, revision int64, contentType string, contentLength int64, body io.Reader) (Revisions, error)
	// DeleteAttachment returns the owning document's new revision.
	DeleteAttachment(ctx context.Context, userID, deviceID, docType, docID, name string, revision int64) (int64, error)

	Logout(ctx context.Context, userID string) error

	// ProcessMessage handles a co-message. A nil response means there is
	// nothing to send back. Returning an *UnavailableError asks the device
	// to retry later. The adapter may read any prefix of attachments; the
	// caller drains the rest.
	ProcessMessage(ctx context.Context, destination string, msg COMessage, attachments AttachmentIterator) (*COMessageResponse, error)
}
