package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kayyum-khan/integration-framework/internal/adapter"
	"github.com/kayyum-khan/integration-framework/internal/platform"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func requireStatus(t *testing.T, err error, code int) {
	t.Helper()
	got, ok := adapter.StatusCode(err)
	require.True(t, ok, "expected status error, got %v", err)
	require.Equal(t, code, got, "error: %v", err)
}

func decodeDocument(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	require.NotNil(t, raw)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	return fields
}

var order = adapter.DocumentReference{Type: "order", ID: "o-1"}

func TestDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	rev, err := s.InsertDocument(ctx, "alice", "phone", order, json.RawMessage(`{"total": 3, "_rev": 99, "_id": "spoofed"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	_, err = s.InsertDocument(ctx, "alice", "phone", order, json.RawMessage(`{}`))
	requireStatus(t, err, http.StatusConflict)

	doc := decodeDocument(t, mustRetrieve(t, s, "order", "o-1"))
	assert.Equal(t, map[string]any{"_id": "o-1", "_type": "order", "_rev": float64(1), "total": float64(3)}, doc)

	stale := order
	stale.Revision = 7
	_, err = s.UpdateDocument(ctx, "alice", "phone", stale, json.RawMessage(`{"total": 4}`))
	requireStatus(t, err, http.StatusPreconditionFailed)

	current := order
	current.Revision = 1
	rev, err = s.UpdateDocument(ctx, "alice", "phone", current, json.RawMessage(`{"total": 4}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)
	assert.Equal(t, float64(4), decodeDocument(t, mustRetrieve(t, s, "order", "o-1"))["total"])

	requireStatus(t, s.DeleteDocument(ctx, "alice", "phone", current), http.StatusPreconditionFailed)
	current.Revision = 2
	require.NoError(t, s.DeleteDocument(ctx, "alice", "phone", current))

	missing, err := s.RetrieveDocument(ctx, "order", "o-1")
	require.NoError(t, err)
	assert.Nil(t, missing)
	requireStatus(t, s.DeleteDocument(ctx, "alice", "phone", current), http.StatusNotFound)
	_, err = s.UpdateDocument(ctx, "alice", "phone", current, json.RawMessage(`{}`))
	requireStatus(t, err, http.StatusNotFound)
}

func mustRetrieve(t *testing.T, s *Store, docType, docID string) json.RawMessage {
	t.Helper()
	raw, err := s.RetrieveDocument(context.Background(), docType, docID)
	require.NoError(t, err)
	return raw
}

func TestDocumentWriteValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	_, err := s.InsertDocument(ctx, "alice", "phone", adapter.DocumentReference{Type: "order", ID: "bad id"}, json.RawMessage(`{}`))
	requireStatus(t, err, http.StatusBadRequest)
	_, err = s.InsertDocument(ctx, "alice", "phone", adapter.DocumentReference{Type: "", ID: "o-1"}, json.RawMessage(`{}`))
	requireStatus(t, err, http.StatusBadRequest)
	_, err = s.InsertDocument(ctx, "alice", "phone", order, json.RawMessage(`[1,2]`))
	requireStatus(t, err, http.StatusBadRequest)
	_, err = s.InsertDocument(ctx, "alice", "phone", order, json.RawMessage(`null`))
	requireStatus(t, err, http.StatusBadRequest)
	requireStatus(t, s.DeleteDocument(ctx, "alice", "phone", adapter.DocumentReference{Type: "order", ID: strings.Repeat("x", 256)}), http.StatusBadRequest)
}

func TestDocumentSchemaViolation(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "order.json", orderSchema)
	writeSchema(t, dir, "currency.json", currencySchema)
	schemas, err := LoadSchemaDir(dir, nil)
	require.NoError(t, err)

	ctx := context.Background()
	s := newTestStore(t, Options{Schemas: schemas})
	_, err = s.InsertDocument(ctx, "alice", "phone", order, json.RawMessage(`{"total": -5}`))
	requireStatus(t, err, http.StatusUnprocessableEntity)
	assert.True(t, errors.Is(err, ErrSchemaViolation))

	// Protocol fields are stripped before validation.
	_, err = s.InsertDocument(ctx, "alice", "phone", order, json.RawMessage(`{"total": 5, "_rev": "x"}`))
	require.NoError(t, err)
}

func TestFindByUserAndDevice(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	insert := func(userID, docType, docID string) {
		_, err := s.InsertDocument(ctx, userID, "phone", adapter.DocumentReference{Type: docType, ID: docID}, json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	insert("alice", "order", "o-2")
	insert("alice", "order", "o-1")
	insert("bob", "order", "o-3")
	insert("", "catalog", "c-1")

	refs, err := s.FindByUserAndDevice(ctx, "alice", "tablet")
	require.NoError(t, err)
	assert.Equal(t, []adapter.DocumentReference{
		{Type: "catalog", ID: "c-1", Revision: 1},
		{Type: "order", ID: "o-1", Revision: 1},
		{Type: "order", ID: "o-2", Revision: 1},
	}, refs)

	all, err := s.FindByUserAndDevice(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestAttachmentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{MaxAttachmentBytes: 16})
	_, err := s.InsertDocument(ctx, "alice", "phone", order, json.RawMessage(`{}`))
	require.NoError(t, err)

	revs, err := s.InsertAttachment(ctx, "alice", "phone", "order", "o-1", "photo.jpg", "image/jpeg", 5, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, adapter.Revisions{Document: 2, Attachment: 1}, revs)

	_, err = s.InsertAttachment(ctx, "alice", "phone", "order", "o-1", "photo.jpg", "image/jpeg", -1, strings.NewReader("again"))
	requireStatus(t, err, http.StatusConflict)

	att, err := s.RetrieveAttachment(ctx, "order", "o-1", "photo.jpg")
	require.NoError(t, err)
	require.NotNil(t, att)
	body, err := io.ReadAll(att.Data)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, int64(5), att.ContentLength)
	assert.Equal(t, "image/jpeg", att.ContentType)
	assert.Equal(t, int64(1), att.Revision)

	doc := decodeDocument(t, mustRetrieve(t, s, "order", "o-1"))
	assert.Equal(t, float64(2), doc["_rev"])
	assert.Equal(t, map[string]any{
		"photo.jpg": map[string]any{"contentType": "image/jpeg", "length": float64(5), "_rev": float64(1)},
	}, doc["_attachments"])

	_, err = s.UpdateAttachment(ctx, "alice", "phone", "order", "o-1", "photo.jpg", 3, "", -1, strings.NewReader("x"))
	requireStatus(t, err, http.StatusPreconditionFailed)
	revs, err = s.UpdateAttachment(ctx, "alice", "phone", "order", "o-1", "photo.jpg", 1, "", -1, strings.NewReader("bye"))
	require.NoError(t, err)
	assert.Equal(t, adapter.Revisions{Document: 3, Attachment: 2}, revs)
	att, err = s.RetrieveAttachment(ctx, "order", "o-1", "photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, defaultAttachmentContentType, att.ContentType)

	_, err = s.DeleteAttachment(ctx, "alice", "phone", "order", "o-1", "photo.jpg", 1)
	requireStatus(t, err, http.StatusPreconditionFailed)
	docRev, err := s.DeleteAttachment(ctx, "alice", "phone", "order", "o-1", "photo.jpg", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), docRev)

	gone, err := s.RetrieveAttachment(ctx, "order", "o-1", "photo.jpg")
	require.NoError(t, err)
	assert.Nil(t, gone)
	_, err = s.DeleteAttachment(ctx, "alice", "phone", "order", "o-1", "photo.jpg", 2)
	requireStatus(t, err, http.StatusNotFound)
}

func TestAttachmentWriteRejections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{MaxAttachmentBytes: 4})
	_, err := s.InsertDocument(ctx, "alice", "phone", order, json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = s.InsertAttachment(ctx, "alice", "phone", "order", "missing", "a.txt", "", -1, strings.NewReader("x"))
	requireStatus(t, err, http.StatusNotFound)
	_, err = s.InsertAttachment(ctx, "alice", "phone", "order", "o-1", "bad name", "", -1, strings.NewReader("x"))
	requireStatus(t, err, http.StatusBadRequest)
	_, err = s.InsertAttachment(ctx, "alice", "phone", "order", "o-1", "a.txt", "", 10, strings.NewReader("x"))
	requireStatus(t, err, http.StatusRequestEntityTooLarge)
	_, err = s.InsertAttachment(ctx, "alice", "phone", "order", "o-1", "a.txt", "", -1, strings.NewReader("too long"))
	requireStatus(t, err, http.StatusRequestEntityTooLarge)
	_, err = s.InsertAttachment(ctx, "alice", "phone", "order", "o-1", "a.txt", "", 3, strings.NewReader("x"))
	requireStatus(t, err, http.StatusBadRequest)
	_, err = s.UpdateAttachment(ctx, "alice", "phone", "order", "o-1", "a.txt", 1, "", -1, strings.NewReader("x"))
	requireStatus(t, err, http.StatusNotFound)

	// Rejected writes leave the document revision alone.
	assert.Equal(t, float64(1), decodeDocument(t, mustRetrieve(t, s, "order", "o-1"))["_rev"])
}

func TestClientSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	backend, err := s.CreateClientSession(ctx, "alice", "phone", "s-1", json.RawMessage(`{"locale":"en"}`))
	require.NoError(t, err)
	var generated backendContext
	require.NoError(t, json.Unmarshal(backend, &generated))
	assert.Equal(t, "s-1", generated.SessionID)
	assert.NotEmpty(t, generated.BackendSessionID)

	again, err := s.CreateClientSession(ctx, "alice", "phone", "s-1", json.RawMessage(`{"locale":"de"}`))
	require.NoError(t, err)
	assert.JSONEq(t, string(backend), string(again))

	_, err = s.CreateClientSession(ctx, "bob", "laptop", "s-1", json.RawMessage(`{}`))
	requireStatus(t, err, http.StatusConflict)

	require.NoError(t, s.UpdateClientSession(ctx, "alice", "phone", "s-1", json.RawMessage(`{"locale":"fr"}`)))
	session, _, ok := s.ClientSession("s-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"locale":"fr"}`, string(session))

	requireStatus(t, s.UpdateClientSession(ctx, "bob", "laptop", "s-1", json.RawMessage(`{}`)), http.StatusNotFound)
	requireStatus(t, s.RemoveClientSession(ctx, "alice", "phone", "s-404"), http.StatusNotFound)
	require.NoError(t, s.RemoveClientSession(ctx, "alice", "phone", "s-1"))
	_, _, ok = s.ClientSession("s-1")
	assert.False(t, ok)

	_, err = s.CreateClientSession(ctx, "alice", "phone", "", json.RawMessage(`{}`))
	requireStatus(t, err, http.StatusBadRequest)
}

func TestLogoutDropsOnlyThatUsersSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	for _, item := range []struct{ user, device, session string }{
		{"alice", "phone", "s-1"},
		{"alice", "tablet", "s-2"},
		{"bob", "phone", "s-3"},
	} {
		_, err := s.CreateClientSession(ctx, item.user, item.device, item.session, json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	require.NoError(t, s.Logout(ctx, "alice"))
	_, _, ok := s.ClientSession("s-1")
	assert.False(t, ok)
	_, _, ok = s.ClientSession("s-2")
	assert.False(t, ok)
	_, _, ok = s.ClientSession("s-3")
	assert.True(t, ok)
	require.NoError(t, s.Logout(ctx, "nobody"))
}

func TestStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryStateBackend()
	first := newTestStore(t, Options{StateBackend: backend})
	_, err := first.InsertDocument(ctx, "alice", "phone", order, json.RawMessage(`{"total": 1}`))
	require.NoError(t, err)
	_, err = first.InsertAttachment(ctx, "alice", "phone", "order", "o-1", "a.bin", "application/x-test", -1, bytes.NewReader([]byte{0, 1, 2}))
	require.NoError(t, err)
	_, err = first.CreateClientSession(ctx, "alice", "phone", "s-1", json.RawMessage(`{}`))
	require.NoError(t, err)
	first.Close()

	second := newTestStore(t, Options{StateBackend: backend})
	doc := decodeDocument(t, mustRetrieve(t, second, "order", "o-1"))
	assert.Equal(t, float64(2), doc["_rev"])
	att, err := second.RetrieveAttachment(ctx, "order", "o-1", "a.bin")
	require.NoError(t, err)
	data, _ := io.ReadAll(att.Data)
	assert.Equal(t, []byte{0, 1, 2}, data)
	_, _, ok := second.ClientSession("s-1")
	assert.True(t, ok)
}

type failingBackend struct{ loadErr error }

func (f failingBackend) Load() (*persistedState, error) { return nil, f.loadErr }
func (f failingBackend) Save(*persistedState) error     { return errors.New("read-only") }

func TestBackendFailures(t *testing.T) {
	_, err := New(Options{StateBackend: failingBackend{loadErr: errors.New("corrupt")}})
	require.Error(t, err)

	// Save failures are logged; the write still succeeds in memory.
	s := newTestStore(t, Options{StateBackend: failingBackend{}})
	rev, err := s.InsertDocument(context.Background(), "alice", "phone", order, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls [][]string
	errs  []error
}

func (f *fakeNotifier) NewDataAvailableForUsers(_ context.Context, _ map[string]any, users ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), users...))
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeNotifier) notified() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[string]int{}
	for _, call := range f.calls {
		for _, user := range call {
			counts[user]++
		}
	}
	return counts
}

func TestWritesNotifyOwners(t *testing.T) {
	ctx := context.Background()
	notifier := &fakeNotifier{}
	s := newTestStore(t, Options{Queue: NewInMemoryNotificationQueue(8), Notifier: notifier})

	_, err := s.InsertDocument(ctx, "alice", "phone", order, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = s.InsertDocument(ctx, "bob", "phone", adapter.DocumentReference{Type: "order", ID: "o-2"}, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = s.InsertDocument(ctx, "", "", adapter.DocumentReference{Type: "catalog", ID: "c-1"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		counts := notifier.notified()
		return counts["alice"] >= 1 && counts["bob"] >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, notifier.notified(), "")
}

func TestNotificationRequeuedWhilePlatformUnavailable(t *testing.T) {
	notifier := &fakeNotifier{errs: []error{&platform.UnavailableError{RetryAfter: 10 * time.Millisecond}}}
	s := newTestStore(t, Options{Queue: NewInMemoryNotificationQueue(8), Notifier: notifier})

	_, err := s.InsertDocument(context.Background(), "alice", "phone", order, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return notifier.notified()["alice"] == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFullNotificationQueueDropsNotification(t *testing.T) {
	queue := NewInMemoryNotificationQueue(1)
	s := newTestStore(t, Options{Queue: queue, Notifier: &fakeNotifier{}, DisableWorkers: true})
	ctx := context.Background()
	_, err := s.InsertDocument(ctx, "alice", "phone", order, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = s.InsertDocument(ctx, "bob", "phone", adapter.DocumentReference{Type: "order", ID: "o-2"}, json.RawMessage(`{}`))
	require.NoError(t, err, "a full queue must not fail the write")
	assert.Equal(t, 1, queue.Depth())
}

func TestProcessMessageLogsAndAnswers(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, Options{Now: func() time.Time { return fixed }})

	msg := adapter.COMessage{
		MessageID: "m-1",
		UserID:    "alice",
		DeviceID:  "phone",
		Payload:   json.RawMessage(`{"text":"hi"}`),
		Context:   json.RawMessage(`{}`),
	}
	attachments := adapter.NewSliceAttachments(
		adapter.MessageAttachment{Name: "photo", FileName: "p.jpg", ContentType: "image/jpeg", Body: strings.NewReader("12345")},
		adapter.MessageAttachment{Name: "empty", ContentType: "text/plain"},
	)
	resp, err := s.ProcessMessage(ctx, "support", msg, attachments)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.Success)
	receiptPayload, ok := resp.Payload.(receipt)
	require.True(t, ok)

	records := s.Messages("support")
	require.Len(t, records, 1)
	assert.Equal(t, receiptPayload.ReceiptID, records[0].ReceiptID)
	assert.Equal(t, fixed, records[0].Received)
	assert.Equal(t, []AttachmentSummary{
		{Name: "photo", FileName: "p.jpg", ContentType: "image/jpeg", Size: 5},
		{Name: "empty", ContentType: "text/plain"},
	}, records[0].Attachments)
	assert.Empty(t, s.Messages("other"))
	assert.Len(t, s.Messages(""), 1)
	assert.Nil(t, records[0].Location)
}

func TestProcessMessageRecordsDeviceLocation(t *testing.T) {
	s := newTestStore(t, Options{})
	msg := adapter.COMessage{
		MessageID: "m-2",
		UserID:    "alice",
		DeviceID:  "phone",
		Payload:   json.RawMessage(`{}`),
		Context:   json.RawMessage(`{"com.appearnetworks.aiq.location":{"latitude":59.33,"longitude":18.06}}`),
	}
	_, err := s.ProcessMessage(context.Background(), "field", msg, adapter.NewSliceAttachments())
	require.NoError(t, err)

	records := s.Messages("field")
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Location)
	assert.Equal(t, adapter.Location{Latitude: 59.33, Longitude: 18.06}, *records[0].Location)
}

func TestProcessMessageRoutesToHandler(t *testing.T) {
	s := newTestStore(t, Options{})
	var seen MessageRecord
	s.Handle("orders", func(_ context.Context, record MessageRecord) (*adapter.COMessageResponse, error) {
		seen = record
		return nil, nil
	})
	resp, err := s.ProcessMessage(context.Background(), "orders", adapter.COMessage{MessageID: "m-2"}, adapter.NewSliceAttachments())
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, "m-2", seen.MessageID)

	s.Handle("orders", nil)
	resp, err = s.ProcessMessage(context.Background(), "orders", adapter.COMessage{MessageID: "m-3"}, nil)
	require.NoError(t, err)
	require.NotNil(t, resp)
}

type blockingIterator struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingIterator) HasNext() bool {
	close(b.started)
	<-b.release
	return false
}

func (b *blockingIterator) Next() (adapter.MessageAttachment, error) {
	return adapter.MessageAttachment{}, io.EOF
}

func (b *blockingIterator) Err() error { return nil }

func TestProcessMessageInflightLimit(t *testing.T) {
	s := newTestStore(t, Options{MaxInflightMessages: 1, RetryAfter: 1500 * time.Millisecond})
	blocker := &blockingIterator{started: make(chan struct{}), release: make(chan struct{})}
	done := make(chan error, 1)
	go func() {
		_, err := s.ProcessMessage(context.Background(), "slow", adapter.COMessage{}, blocker)
		done <- err
	}()
	<-blocker.started

	_, err := s.ProcessMessage(context.Background(), "slow", adapter.COMessage{}, nil)
	var unavailable *adapter.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 2, unavailable.RetryAfterSeconds)

	close(blocker.release)
	require.NoError(t, <-done)
	_, err = s.ProcessMessage(context.Background(), "slow", adapter.COMessage{}, nil)
	require.NoError(t, err)
}

type failingIterator struct{ err error }

func (f failingIterator) HasNext() bool { return false }
func (f failingIterator) Next() (adapter.MessageAttachment, error) {
	return adapter.MessageAttachment{}, io.EOF
}
func (f failingIterator) Err() error { return f.err }

func TestProcessMessageAttachmentStreamError(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.ProcessMessage(context.Background(), "x", adapter.COMessage{}, failingIterator{err: io.ErrUnexpectedEOF})
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Empty(t, s.Messages(""))
}

func TestMessageLogIsBounded(t *testing.T) {
	s := newTestStore(t, Options{MessageLogSize: 2})
	for _, id := range []string{"m-1", "m-2", "m-3"} {
		_, err := s.ProcessMessage(context.Background(), "d", adapter.COMessage{MessageID: id}, nil)
		require.NoError(t, err)
	}
	records := s.Messages("d")
	require.Len(t, records, 2)
	assert.Equal(t, "m-2", records[0].MessageID)
	assert.Equal(t, "m-3", records[1].MessageID)
}
