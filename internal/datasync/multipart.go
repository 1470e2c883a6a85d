package datasync

import (
	"errors"
	"io"
	"mime/multipart"

	"github.com/kayyum-khan/integration-framework/internal/adapter"
)

// partIterator exposes the remaining parts of a co-message request as an
// adapter.AttachmentIterator. It reads straight from the request body.
type partIterator struct {
	reader  *multipart.Reader
	current *multipart.Part
	pending *multipart.Part
	err     error
	done    bool
}

var _ adapter.AttachmentIterator = (*partIterator)(nil)

func newPartIterator(reader *multipart.Reader) *partIterator {
	return &partIterator{reader: reader}
}

func (it *partIterator) HasNext() bool {
	if it.pending != nil {
		return true
	}
	if it.done {
		return false
	}
	it.releaseCurrent()
	part, err := it.reader.NextPart()
	if err != nil {
		it.done = true
		if !errors.Is(err, io.EOF) {
			it.err = err
		}
		return false
	}
	it.pending = part
	return true
}

func (it *partIterator) Next() (adapter.MessageAttachment, error) {
	if !it.HasNext() {
		if it.err != nil {
			return adapter.MessageAttachment{}, it.err
		}
		return adapter.MessageAttachment{}, io.EOF
	}
	part := it.pending
	it.pending = nil
	it.current = part
	return adapter.MessageAttachment{
		Name:        part.FormName(),
		FileName:    part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
		Body:        part,
	}, nil
}

func (it *partIterator) Err() error {
	return it.err
}

// drain consumes every part the adapter left unread and reports how many
// parts were skipped.
func (it *partIterator) drain() int {
	skipped := 0
	it.releaseCurrent()
	for it.HasNext() {
		part := it.pending
		it.pending = nil
		_, _ = io.Copy(io.Discard, part)
		_ = part.Close()
		skipped++
	}
	return skipped
}

func (it *partIterator) releaseCurrent() {
	if it.current == nil {
		return
	}
	_, _ = io.Copy(io.Discard, it.current)
	_ = it.current.Close()
	it.current = nil
}
