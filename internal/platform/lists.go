package platform

import (
	"context"
	"net/http"
)

const linkDistributionLists = "distributionlists"

type distributionListBody struct {
	Users []string `json:"users"`
	ID    string   `json:"_id,omitempty"`
}

func (c *Client) FetchDistributionLists(ctx context.Context) ([]DistributionList, error) {
	var lists []DistributionList
	if _, err := c.getJSON(ctx, request{method: http.MethodGet, link: linkDistributionLists}, &lists, false); err != nil {
		return nil, err
	}
	return lists, nil
}

// FetchDistributionList returns nil when the list does not exist.
func (c *Client) FetchDistributionList(ctx context.Context, id string) (*DistributionList, error) {
	var list DistributionList
	found, err := c.getJSON(ctx, request{method: http.MethodGet, link: linkDistributionLists}.at(id), &list, true)
	if err != nil || !found {
		return nil, err
	}
	return &list, nil
}

// CreateDistributionList returns the id the platform assigned.
func (c *Client) CreateDistributionList(ctx context.Context, users []string) (string, error) {
	req, err := jsonRequest(http.MethodPost, linkDistributionLists, distributionListBody{Users: nonNil(users)})
	if err != nil {
		return "", err
	}
	return c.create(ctx, req)
}

// PutDistributionList creates or replaces the list with the given id.
func (c *Client) PutDistributionList(ctx context.Context, id string, users []string) (bool, error) {
	req, err := jsonRequest(http.MethodPut, linkDistributionLists, distributionListBody{Users: nonNil(users), ID: id})
	if err != nil {
		return false, err
	}
	return c.apply(ctx, req.at(id))
}

func (c *Client) DeleteDistributionList(ctx context.Context, id string) (bool, error) {
	return c.apply(ctx, request{method: http.MethodDelete, link: linkDistributionLists}.at(id))
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
