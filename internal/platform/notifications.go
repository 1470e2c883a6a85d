package platform

import (
	"context"
	"fmt"
	"net/http"
)

const (
	linkNewDataAvailable = "newdataavailable"
	linkAdapter          = "adapter"
)

// newDataAvailable is the broadcast body. Exactly one of Users,
// Launchables and All is set; a condition makes the notification urgent.
type newDataAvailable struct {
	Users       []string       `json:"users,omitempty"`
	Launchables []string       `json:"launchables,omitempty"`
	All         bool           `json:"all,omitempty"`
	Urgent      bool           `json:"urgent"`
	Condition   map[string]any `json:"condition,omitempty"`
}

// NewDataAvailableForUsers tells the devices of the given users to sync.
// A non-nil condition is forwarded and marks the notification urgent.
func (c *Client) NewDataAvailableForUsers(ctx context.Context, condition map[string]any, users ...string) error {
	if len(users) == 0 {
		return fmt.Errorf("%w: at least one user is required", ErrInvalid)
	}
	return c.notify(ctx, newDataAvailable{Users: users, Urgent: condition != nil, Condition: condition})
}

func (c *Client) NewDataAvailableForLaunchables(ctx context.Context, condition map[string]any, launchables ...string) error {
	if len(launchables) == 0 {
		return fmt.Errorf("%w: at least one launchable is required", ErrInvalid)
	}
	return c.notify(ctx, newDataAvailable{Launchables: launchables, Urgent: condition != nil, Condition: condition})
}

func (c *Client) NewDataAvailableForAllUsers(ctx context.Context, condition map[string]any) error {
	return c.notify(ctx, newDataAvailable{All: true, Urgent: condition != nil, Condition: condition})
}

func (c *Client) notify(ctx context.Context, body newDataAvailable) error {
	req, err := jsonRequest(http.MethodPost, linkNewDataAvailable, body)
	if err != nil {
		return err
	}
	resp, err := c.call(ctx, req)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return resp.err()
	}
	return nil
}

// Register announces the callback URL and the shared secret the platform
// must present on inbound calls. False means the platform has no adapter
// endpoint for this account.
func (c *Client) Register(ctx context.Context, callbackURL, password string) (bool, error) {
	req, err := jsonRequest(http.MethodPut, linkAdapter, struct {
		URL      string `json:"url"`
		Password string `json:"password"`
	}{URL: callbackURL, Password: password})
	if err != nil {
		return false, err
	}
	return c.apply(ctx, req)
}

func (c *Client) Unregister(ctx context.Context) (bool, error) {
	return c.apply(ctx, request{method: http.MethodDelete, link: linkAdapter})
}
