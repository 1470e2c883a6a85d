package platform

import (
	"net/url"
	"sync"

	"golang.org/x/oauth2"
)

// LinkCache holds the discovered platform links and the current access
// token. It is safe for concurrent use. Concurrent discoveries may
// overwrite each other; the last writer wins.
type LinkCache struct {
	mu          sync.RWMutex
	root        map[string]*url.URL
	integration map[string]*url.URL
	token       *oauth2.Token
}

func NewLinkCache() *LinkCache {
	return &LinkCache{
		root:        map[string]*url.URL{},
		integration: map[string]*url.URL{},
	}
}

func (c *LinkCache) RootLink(name string) (*url.URL, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.root[name]
	if !ok {
		return nil, false
	}
	return cloneURL(u), true
}

func (c *LinkCache) IntegrationLink(name string) (*url.URL, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.integration[name]
	if !ok {
		return nil, false
	}
	return cloneURL(u), true
}

// Token returns the cached token, or nil when there is none.
func (c *LinkCache) Token() *oauth2.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil {
		return nil
	}
	tok := *c.token
	return &tok
}

// SetRootLinks stores a complete root menu.
func (c *LinkCache) SetRootLinks(links map[string]*url.URL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, u := range links {
		c.root[name] = cloneURL(u)
	}
}

// SetToken stores a freshly acquired token together with the integration
// links that came with it.
func (c *LinkCache) SetToken(token *oauth2.Token, links map[string]*url.URL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != nil {
		tok := *token
		c.token = &tok
	}
	for name, u := range links {
		c.integration[name] = cloneURL(u)
	}
}

// InvalidateToken drops the token. Links stay cached.
func (c *LinkCache) InvalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
}

// Reset forgets everything.
func (c *LinkCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.root = map[string]*url.URL{}
	c.integration = map[string]*url.URL{}
	c.token = nil
}

// RootLinkNames and IntegrationLinkNames are mostly useful for diagnostics.
func (c *LinkCache) RootLinkNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return keys(c.root)
}

func (c *LinkCache) IntegrationLinkNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return keys(c.integration)
}

func keys(m map[string]*url.URL) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	clone := *u
	if u.User != nil {
		user := *u.User
		clone.User = &user
	}
	return &clone
}
