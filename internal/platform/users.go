package platform

import (
	"context"
	"net/http"
)

const (
	linkUsers         = "users"
	linkValidateToken = "validatetoken"
)

func (c *Client) FetchUsers(ctx context.Context) ([]User, error) {
	var users []User
	if _, err := c.getJSON(ctx, request{method: http.MethodGet, link: linkUsers}, &users, false); err != nil {
		return nil, err
	}
	return users, nil
}

// FetchUser returns nil when the user does not exist.
func (c *Client) FetchUser(ctx context.Context, id string) (*User, error) {
	var user User
	found, err := c.getJSON(ctx, request{method: http.MethodGet, link: linkUsers}.at(id), &user, true)
	if err != nil || !found {
		return nil, err
	}
	return &user, nil
}

// ValidateUserToken resolves a single sign-on token to its user. A token
// the platform does not accept yields nil.
func (c *Client) ValidateUserToken(ctx context.Context, token string) (*User, error) {
	req, err := jsonRequest(http.MethodPost, linkValidateToken, struct {
		Token string `json:"token"`
	}{Token: token})
	if err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusBadRequest {
		return nil, nil
	}
	if !resp.ok() {
		return nil, resp.err()
	}
	var authorized struct {
		User *User `json:"user"`
	}
	if err := decodeBody(resp, &authorized); err != nil {
		return nil, err
	}
	return authorized.User, nil
}
