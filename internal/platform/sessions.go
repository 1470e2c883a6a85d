package platform

import (
	"context"
	"net/http"
	"net/url"
)

const (
	linkClientSessions = "clientsessions"
	linkBackendContext = "backendcontext"
)

func (c *Client) FetchClientSessions(ctx context.Context) ([]ClientSession, error) {
	var sessions []ClientSession
	if _, err := c.getJSON(ctx, request{method: http.MethodGet, link: linkClientSessions}, &sessions, false); err != nil {
		return nil, err
	}
	return sessions, nil
}

// FetchClientSession returns nil when the session does not exist.
func (c *Client) FetchClientSession(ctx context.Context, id string) (*ClientSession, error) {
	var session ClientSession
	found, err := c.getJSON(ctx, request{method: http.MethodGet, link: linkClientSessions}.at(id), &session, true)
	if err != nil || !found {
		return nil, err
	}
	return &session, nil
}

func (c *Client) TerminateClientSession(ctx context.Context, id string) (bool, error) {
	return c.apply(ctx, request{method: http.MethodDelete, link: linkClientSessions}.at(id))
}

// UpdateBackendContext replaces the context a provider keeps for one user
// and device.
func (c *Client) UpdateBackendContext(ctx context.Context, userID, deviceID, provider string, data any) (bool, error) {
	req, err := jsonRequest(http.MethodPut, linkBackendContext, data)
	if err != nil {
		return false, err
	}
	return c.apply(ctx, req.with(backendContextQuery(userID, deviceID, provider)))
}

func (c *Client) RemoveBackendContext(ctx context.Context, userID, deviceID, provider string) (bool, error) {
	req := request{method: http.MethodDelete, link: linkBackendContext}
	return c.apply(ctx, req.with(backendContextQuery(userID, deviceID, provider)))
}

func backendContextQuery(userID, deviceID, provider string) url.Values {
	return url.Values{
		"userId":   {userID},
		"deviceId": {deviceID},
		"provider": {provider},
	}
}

