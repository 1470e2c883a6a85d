package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

const (
	linkBackendMessages = "backendmessages"

	messagePartName       = "message"
	defaultAttachmentName = "attachment"
)

func (c *Client) FetchBackendMessages(ctx context.Context, filter BackendMessageFilter) ([]EnrichedBackendMessage, error) {
	query := url.Values{"withPayload": {strconv.FormatBool(filter.WithPayload)}}
	if filter.Type != "" {
		query.Set("type", filter.Type)
	}
	var messages []EnrichedBackendMessage
	req := request{method: http.MethodGet, link: linkBackendMessages}.with(query)
	if _, err := c.getJSON(ctx, req, &messages, false); err != nil {
		return nil, err
	}
	return messages, nil
}

// FetchBackendMessage returns nil when the message does not exist.
func (c *Client) FetchBackendMessage(ctx context.Context, id string) (*EnrichedBackendMessage, error) {
	var msg EnrichedBackendMessage
	found, err := c.getJSON(ctx, request{method: http.MethodGet, link: linkBackendMessages}.at(id), &msg, true)
	if err != nil || !found {
		return nil, err
	}
	return &msg, nil
}

// CreateBackendMessage returns the id the platform assigned.
func (c *Client) CreateBackendMessage(ctx context.Context, msg BackendMessage) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	req, err := jsonRequest(http.MethodPost, linkBackendMessages, msg)
	if err != nil {
		return "", err
	}
	return c.create(ctx, req)
}

// CreateBackendMessageWithAttachments sends the message and its files as
// one multipart request.
func (c *Client) CreateBackendMessageWithAttachments(ctx context.Context, msg BackendMessage, attachments []MessageAttachment) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	body, contentType, err := encodeMessageParts(msg, attachments)
	if err != nil {
		return "", err
	}
	return c.create(ctx, request{
		method:      http.MethodPost,
		link:        linkBackendMessages,
		body:        body,
		contentType: contentType,
	})
}

func encodeMessageParts(msg BackendMessage, attachments []MessageAttachment) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	encoded, err := json.Marshal(msg)
	if err != nil {
		return nil, "", err
	}
	if err := writePart(mw, messagePartName, "", "application/json", encoded); err != nil {
		return nil, "", err
	}
	for _, att := range attachments {
		name := strings.TrimSpace(att.Name)
		if name == "" {
			name = defaultAttachmentName
		}
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := writePart(mw, name, name, contentType, att.Data); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writePart(mw *multipart.Writer, name, filename, contentType string, data []byte) error {
	disposition := fmt.Sprintf(`form-data; name="%s"`, quoteEscaper.Replace(name))
	if filename != "" {
		disposition += fmt.Sprintf(`; filename="%s"`, quoteEscaper.Replace(filename))
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", disposition)
	header.Set("Content-Type", contentType)
	w, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// UpdateBackendMessage reports false when the message does not exist.
func (c *Client) UpdateBackendMessage(ctx context.Context, id string, update BackendMessageUpdate) (bool, error) {
	if err := update.Validate(); err != nil {
		return false, err
	}
	req, err := jsonRequest(http.MethodPost, linkBackendMessages, update)
	if err != nil {
		return false, err
	}
	return c.apply(ctx, req.at(id))
}

func (c *Client) DeleteBackendMessage(ctx context.Context, id string) (bool, error) {
	return c.apply(ctx, request{method: http.MethodDelete, link: linkBackendMessages}.at(id))
}
