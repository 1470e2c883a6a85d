// Package platform is the outbound client for the platform's REST API.
// Endpoints are discovered lazily and every authenticated call is retried
// at most once after a 401.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	DefaultScope   = "integration"
	DefaultTimeout = 30 * time.Second

	linkToken = "token"

	maxResponseBytes = 8 << 20
)

type Options struct {
	BaseURL    string
	OrgName    string
	SolutionID string
	Username   string
	Password   string
	Scope      string

	HTTPClient *http.Client
	Timeout    time.Duration
	// RateLimit caps outbound requests per second. Zero disables it.
	RateLimit float64
	RateBurst int

	// Cache is shared when several clients talk to the same platform. Nil
	// gets a private one.
	Cache  *LinkCache
	Logger *zap.Logger
}

type Client struct {
	baseURL    *url.URL
	orgName    string
	solutionID string
	username   string
	password   string
	scope      string

	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *LinkCache
	logger     *zap.Logger
}

func NewClient(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("%w: platform url is required", ErrInvalid)
	}
	baseURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: platform url: %v", ErrInvalid, err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("%w: platform url must be http or https, got %q", ErrInvalid, raw)
	}
	scope := strings.TrimSpace(opts.Scope)
	if scope == "" {
		scope = DefaultScope
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewLinkCache()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		orgName:    opts.OrgName,
		solutionID: opts.SolutionID,
		username:   opts.Username,
		password:   opts.Password,
		scope:      scope,
		httpClient: httpClient,
		limiter:    limiter,
		cache:      cache,
		logger:     logger.Named("platform"),
	}, nil
}

func (c *Client) Cache() *LinkCache {
	return c.cache
}

type rootMenu struct {
	Links map[string]json.RawMessage `json:"links"`
}

type tokenResponse struct {
	AccessToken string                     `json:"access_token"`
	TokenType   string                     `json:"token_type"`
	Scope       string                     `json:"scope"`
	ExpiresIn   json.RawMessage            `json:"expires_in"`
	User        *User                      `json:"user"`
	Links       map[string]json.RawMessage `json:"links"`
}

// RootLink resolves a link from the unauthenticated root menu, fetching the
// menu if the link is not cached yet.
func (c *Client) RootLink(ctx context.Context, name string) (*url.URL, error) {
	if u, ok := c.cache.RootLink(name); ok {
		return u, nil
	}
	if err := c.fetchRootMenu(ctx); err != nil {
		return nil, err
	}
	if u, ok := c.cache.RootLink(name); ok {
		return u, nil
	}
	return nil, fmt.Errorf("%w: root link %q", ErrLinkNotFound, name)
}

// IntegrationLink resolves a link handed out with the access token,
// acquiring a token if the link is not cached yet.
func (c *Client) IntegrationLink(ctx context.Context, name string) (*url.URL, error) {
	if u, ok := c.cache.IntegrationLink(name); ok {
		return u, nil
	}
	if _, err := c.fetchToken(ctx); err != nil {
		return nil, err
	}
	if u, ok := c.cache.IntegrationLink(name); ok {
		return u, nil
	}
	return nil, fmt.Errorf("%w: integration link %q", ErrLinkNotFound, name)
}

func (c *Client) token(ctx context.Context) (*oauth2.Token, error) {
	if tok := c.cache.Token(); tok.Valid() {
		return tok, nil
	}
	return c.fetchToken(ctx)
}

func (c *Client) fetchRootMenu(ctx context.Context) error {
	menuURL := cloneURL(c.baseURL)
	query := menuURL.Query()
	query.Set("orgName", c.orgName)
	menuURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, menuURL.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return resp.unexpected(req)
	}
	var menu rootMenu
	if err := json.Unmarshal(resp.body, &menu); err != nil {
		return fmt.Errorf("decode root menu: %w", err)
	}
	links := c.resolveLinks(menu.Links)
	c.cache.SetRootLinks(links)
	c.logger.Debug("discovered root links", zap.Int("links", len(links)), zap.String("org", c.orgName))
	return nil
}

func (c *Client) fetchToken(ctx context.Context) (*oauth2.Token, error) {
	tokenURL, err := c.RootLink(ctx, linkToken)
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)
	form.Set("grant_type", "password")
	form.Set("scope", c.scope)
	form.Set("x-solutionId", c.solutionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	switch resp.status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		c.logger.Warn("platform rejected integration credentials", zap.Int("status", resp.status), zap.String("user", c.username))
		return nil, ErrUnauthorized
	}
	if !resp.ok() {
		return nil, resp.unexpected(req)
	}
	var body tokenResponse
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(body.AccessToken) == "" {
		return nil, ErrUnauthorized
	}
	// Refresh is reactive only, so the token carries no expiry.
	tok := (&oauth2.Token{
		AccessToken: body.AccessToken,
		TokenType:   "Bearer",
	}).WithExtra(map[string]any{"scope": body.Scope})
	links := c.resolveLinks(body.Links)
	c.cache.SetToken(tok, links)
	c.logger.Info("acquired platform token", zap.Int("integration_links", len(links)), zap.String("scope", body.Scope))
	return tok, nil
}

// resolveLinks turns a link menu into absolute URLs against the base URL.
// Entries that are not strings or do not parse are skipped.
func (c *Client) resolveLinks(raw map[string]json.RawMessage) map[string]*url.URL {
	links := make(map[string]*url.URL, len(raw))
	for name, value := range raw {
		var ref string
		if err := json.Unmarshal(value, &ref); err != nil || strings.TrimSpace(ref) == "" {
			c.logger.Debug("skipping non-string link", zap.String("link", name))
			continue
		}
		parsed, err := url.Parse(ref)
		if err != nil {
			c.logger.Warn("skipping malformed link", zap.String("link", name), zap.Error(err))
			continue
		}
		links[name] = c.baseURL.ResolveReference(parsed)
	}
	return links
}

// withAuthRetry runs call with the current token. After a 401 the token is
// dropped and call runs once more with a freshly acquired one; a second 401
// is returned as is.
func withAuthRetry[T any](ctx context.Context, c *Client, call func(context.Context, *oauth2.Token) (T, error)) (T, error) {
	var zero T
	tok, err := c.token(ctx)
	if err != nil {
		return zero, err
	}
	result, err := call(ctx, tok)
	if !errors.Is(err, ErrUnauthorized) {
		return result, err
	}
	c.logger.Debug("platform token rejected, refreshing")
	tok, err = c.fetchToken(ctx)
	if err != nil {
		return zero, err
	}
	if !tok.Valid() {
		return zero, ErrUnauthorized
	}
	return call(ctx, tok)
}

type request struct {
	method string
	link   string
	// segments are appended to the link path, escaped.
	segments    []string
	query       url.Values
	body        []byte
	contentType string
}

func jsonRequest(method, link string, payload any) (request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return request{}, err
	}
	return request{method: method, link: link, body: body, contentType: "application/json"}, nil
}

func (r request) at(segments ...string) request {
	r.segments = segments
	return r
}

// checkSegments refuses ids that would not name a child of the link.
// JoinPath resolves "." and "..", so those would address the link itself or
// its parent.
func (r request) checkSegments() error {
	for _, seg := range r.segments {
		switch seg {
		case "", ".", "..":
			return fmt.Errorf("%w: id %q", ErrInvalid, seg)
		}
	}
	return nil
}

func (r request) with(query url.Values) request {
	r.query = query
	return r
}

type response struct {
	method string
	url    string
	status int
	header http.Header
	body   []byte
}

func (r *response) ok() bool {
	return r.status >= 200 && r.status <= 299
}

func (r *response) unexpected(req *http.Request) error {
	return &Error{Method: req.Method, URL: req.URL.Redacted(), StatusCode: r.status, Body: string(r.body)}
}

func (r *response) err() error {
	return &Error{Method: r.method, URL: r.url, StatusCode: r.status, Body: string(r.body)}
}

// call performs one authenticated request under the retry contract. The
// response is returned for every status other than 401 and 503.
func (c *Client) call(ctx context.Context, req request) (*response, error) {
	if err := req.checkSegments(); err != nil {
		return nil, err
	}
	return withAuthRetry(ctx, c, func(ctx context.Context, tok *oauth2.Token) (*response, error) {
		return c.exchange(ctx, tok, req)
	})
}

func (c *Client) exchange(ctx context.Context, tok *oauth2.Token, r request) (*response, error) {
	target, err := c.IntegrationLink(ctx, r.link)
	if err != nil {
		return nil, err
	}
	if len(r.segments) > 0 {
		escaped := make([]string, len(r.segments))
		for i, seg := range r.segments {
			escaped[i] = url.PathEscape(seg)
		}
		target = target.JoinPath(escaped...)
	}
	if len(r.query) > 0 {
		query := target.Query()
		for k, vs := range r.query {
			query[k] = vs
		}
		target.RawQuery = query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("Accept", "application/json")
	tok.SetAuthHeader(req)

	resp, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusUnauthorized {
		c.cache.InvalidateToken()
		c.logger.Debug("invalidated platform token", zap.String("method", r.method), zap.String("link", r.link))
		return nil, ErrUnauthorized
	}
	return resp, nil
}

// roundTrip sends req and reads the whole response. Transport failures and
// 503 become *UnavailableError.
func (c *Client) roundTrip(req *http.Request) (*response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &UnavailableError{Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, &UnavailableError{
			RetryAfter: parseRetryAfterSeconds(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("%s %s: status 503", req.Method, req.URL.Redacted()),
		}
	}
	return &response{
		method: req.Method,
		url:    req.URL.Redacted(),
		status: resp.StatusCode,
		header: resp.Header,
		body:   data,
	}, nil
}

// getJSON decodes a successful response into out. With orNotFound a 404
// reports false instead of failing.
func (c *Client) getJSON(ctx context.Context, req request, out any, orNotFound bool) (bool, error) {
	resp, err := c.call(ctx, req)
	if err != nil {
		return false, err
	}
	if orNotFound && resp.status == http.StatusNotFound {
		return false, nil
	}
	if !resp.ok() {
		return false, resp.err()
	}
	if out == nil {
		return true, nil
	}
	if err := decodeBody(resp, out); err != nil {
		return false, err
	}
	return true, nil
}

func decodeBody(resp *response, out any) error {
	if len(bytes.TrimSpace(resp.body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", resp.method, resp.url, err)
	}
	return nil
}

// apply runs a write whose only result is whether the target existed.
func (c *Client) apply(ctx context.Context, req request) (bool, error) {
	return c.getJSON(ctx, req, nil, true)
}

type entityID struct {
	ID string `json:"_id"`
}

// create posts a new entity and returns the id the platform assigned.
func (c *Client) create(ctx context.Context, req request) (string, error) {
	var created entityID
	if _, err := c.getJSON(ctx, req, &created, false); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("platform: %s response carries no _id", req.link)
	}
	return created.ID, nil
}
