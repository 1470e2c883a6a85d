package platform

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestLinkCacheReturnsCopies(t *testing.T) {
	cache := NewLinkCache()
	users, err := url.Parse("https://platform.example/api/users")
	require.NoError(t, err)
	cache.SetToken(&oauth2.Token{AccessToken: "tok"}, map[string]*url.URL{"users": users})

	got, ok := cache.IntegrationLink("users")
	require.True(t, ok)
	got.Path = "/mutated"
	again, _ := cache.IntegrationLink("users")
	assert.Equal(t, "/api/users", again.Path)

	tok := cache.Token()
	tok.AccessToken = "mutated"
	assert.Equal(t, "tok", cache.Token().AccessToken)
}

func TestLinkCacheInvalidateKeepsLinks(t *testing.T) {
	cache := NewLinkCache()
	root, _ := url.Parse("https://platform.example/api/token")
	users, _ := url.Parse("https://platform.example/api/users")
	cache.SetRootLinks(map[string]*url.URL{"token": root})
	cache.SetToken(&oauth2.Token{AccessToken: "tok"}, map[string]*url.URL{"users": users})

	cache.InvalidateToken()
	assert.Nil(t, cache.Token())
	_, ok := cache.RootLink("token")
	assert.True(t, ok)
	_, ok = cache.IntegrationLink("users")
	assert.True(t, ok)

	cache.Reset()
	_, ok = cache.RootLink("token")
	assert.False(t, ok)
	assert.Empty(t, cache.IntegrationLinkNames())
}
