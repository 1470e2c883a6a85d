package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/kayyum-khan/integration-framework/internal/adapter"
)

var errNotScripted = errors.New("not scripted")

// fakeAdapter records calls and delegates to optional hooks.
type fakeAdapter struct {
	mu    sync.Mutex
	calls []string

	findFn          func(userID, deviceID string) ([]adapter.DocumentReference, error)
	retrieveFn      func(docType, docID string) (json.RawMessage, error)
	attachmentFn    func(docType, docID, name string) (*adapter.Attachment, error)
	insertFn        func(userID, deviceID string, ref adapter.DocumentReference, doc json.RawMessage) (int64, error)
	updateFn        func(userID, deviceID string, ref adapter.DocumentReference, doc json.RawMessage) (int64, error)
	deleteFn        func(userID, deviceID string, ref adapter.DocumentReference) error
	createSessionFn func(userID, deviceID, sessionID string, session json.RawMessage) (json.RawMessage, error)
	updateSessionFn func(userID, deviceID, sessionID string, session json.RawMessage) error
	removeSessionFn func(userID, deviceID, sessionID string) error
	// insertAttStreamFn, when set, gets the upload unread.
	insertAttStreamFn func(body io.Reader) (adapter.Revisions, error)
	insertAttFn     func(docType, docID, name, contentType string, contentLength int64, body []byte) (adapter.Revisions, error)
	updateAttFn     func(docType, docID, name string, revision int64, contentType string, contentLength int64, body []byte) (adapter.Revisions, error)
	deleteAttFn     func(docType, docID, name string, revision int64) (int64, error)
	logoutFn        func(userID string) error
	processFn       func(destination string, msg adapter.COMessage, attachments adapter.AttachmentIterator) (*adapter.COMessageResponse, error)
}

func (f *fakeAdapter) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAdapter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAdapter) FindByUserAndDevice(_ context.Context, userID, deviceID string) ([]adapter.DocumentReference, error) {
	f.record("FindByUserAndDevice")
	if f.findFn == nil {
		return nil, nil
	}
	return f.findFn(userID, deviceID)
}

func (f *fakeAdapter) RetrieveDocument(_ context.Context, docType, docID string) (json.RawMessage, error) {
	f.record("RetrieveDocument")
	if f.retrieveFn == nil {
		return nil, nil
	}
	return f.retrieveFn(docType, docID)
}

func (f *fakeAdapter) RetrieveAttachment(_ context.Context, docType, docID, name string) (*adapter.Attachment, error) {
	f.record("RetrieveAttachment")
	if f.attachmentFn == nil {
		return nil, nil
	}
	return f.attachmentFn(docType, docID, name)
}

func (f *fakeAdapter) InsertDocument(_ context.Context, userID, deviceID string, ref adapter.DocumentReference, doc json.RawMessage) (int64, error) {
	f.record("InsertDocument")
	if f.insertFn == nil {
		return 0, errNotScripted
	}
	return f.insertFn(userID, deviceID, ref, doc)
}

func (f *fakeAdapter) UpdateDocument(_ context.Context, userID, deviceID string, ref adapter.DocumentReference, doc json.RawMessage) (int64, error) {
	f.record("UpdateDocument")
	if f.updateFn == nil {
		return 0, errNotScripted
	}
	return f.updateFn(userID, deviceID, ref, doc)
}

func (f *fakeAdapter) DeleteDocument(_ context.Context, userID, deviceID string, ref adapter.DocumentReference) error {
	f.record("DeleteDocument")
	if f.deleteFn == nil {
		return errNotScripted
	}
	return f.deleteFn(userID, deviceID, ref)
}

func (f *fakeAdapter) CreateClientSession(_ context.Context, userID, deviceID, sessionID string, session json.RawMessage) (json.RawMessage, error) {
	f.record("CreateClientSession")
	if f.createSessionFn == nil {
		return nil, nil
	}
	return f.createSessionFn(userID, deviceID, sessionID, session)
}

func (f *fakeAdapter) UpdateClientSession(_ context.Context, userID, deviceID, sessionID string, session json.RawMessage) error {
	f.record("UpdateClientSession")
	if f.updateSessionFn == nil {
		return nil
	}
	return f.updateSessionFn(userID, deviceID, sessionID, session)
}

func (f *fakeAdapter) RemoveClientSession(_ context.Context, userID, deviceID, sessionID string) error {
	f.record("RemoveClientSession")
	if f.removeSessionFn == nil {
		return nil
	}
	return f.removeSessionFn(userID, deviceID, sessionID)
}

func (f *fakeAdapter) InsertAttachment(_ context.Context, _, _ string, docType, docID, name, contentType string, contentLength int64, body io.Reader) (adapter.Revisions, error) {
	f.record("InsertAttachment")
	if f.insertAttStreamFn != nil {
		return f.insertAttStreamFn(body)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return adapter.Revisions{}, err
	}
	if f.insertAttFn == nil {
		return adapter.Revisions{}, errNotScripted
	}
	return f.insertAttFn(docType, docID, name, contentType, contentLength, data)
}

func (f *fakeAdapter) UpdateAttachment(_ context.Context, _, _ string, docType, docID, name string, revision int64, contentType string, contentLength int64, body io.Reader) (adapter.Revisions, error) {
	f.record("UpdateAttachment")
	data, err := io.ReadAll(body)
	if err != nil {
		return adapter.Revisions{}, err
	}
	if f.updateAttFn == nil {
		return adapter.Revisions{}, errNotScripted
	}
	return f.updateAttFn(docType, docID, name, revision, contentType, contentLength, data)
}

func (f *fakeAdapter) DeleteAttachment(_ context.Context, _, _ string, docType, docID, name string, revision int64) (int64, error) {
	f.record("DeleteAttachment")
	if f.deleteAttFn == nil {
		return 0, errNotScripted
	}
	return f.deleteAttFn(docType, docID, name, revision)
}

func (f *fakeAdapter) Logout(_ context.Context, userID string) error {
	f.record("Logout")
	if f.logoutFn == nil {
		return nil
	}
	return f.logoutFn(userID)
}

func (f *fakeAdapter) ProcessMessage(_ context.Context, destination string, msg adapter.COMessage, attachments adapter.AttachmentIterator) (*adapter.COMessageResponse, error) {
	f.record("ProcessMessage")
	if f.processFn == nil {
		return nil, nil
	}
	return f.processFn(destination, msg, attachments)
}
