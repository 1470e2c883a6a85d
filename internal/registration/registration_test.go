package registration

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakePlatform struct {
	registerOK   bool
	registerErr  error
	unregisterOK bool

	registered   []string
	passwords    []string
	unregistered int
}

func (f *fakePlatform) Register(_ context.Context, callbackURL, password string) (bool, error) {
	f.registered = append(f.registered, callbackURL)
	f.passwords = append(f.passwords, password)
	return f.registerOK, f.registerErr
}

func (f *fakePlatform) Unregister(context.Context) (bool, error) {
	f.unregistered++
	return f.unregisterOK, nil
}

func TestGeneratePassword(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		password, err := GeneratePassword()
		require.NoError(t, err)
		require.NotEmpty(t, password)
		assert.LessOrEqual(t, len(password), 26)
		n, ok := new(big.Int).SetString(password, 32)
		require.True(t, ok, password)
		assert.Equal(t, -1, n.Cmp(passwordSpace))
		assert.False(t, seen[password])
		seen[password] = true
	}
}

func TestStartAndStop(t *testing.T) {
	platform := &fakePlatform{registerOK: true, unregisterOK: true}
	r, err := New(platform, Options{CallbackURL: " https://bridge.example/aiq/integration ", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NotEmpty(t, r.Password())

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, []string{"https://bridge.example/aiq/integration"}, platform.registered)
	assert.Equal(t, []string{r.Password()}, platform.passwords)

	require.NoError(t, r.Stop(context.Background()))
	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, 1, platform.unregistered)
}

func TestConfiguredPasswordIsKept(t *testing.T) {
	r, err := New(&fakePlatform{}, Options{Password: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", r.Password())
}

func TestStartWithoutCallbackURL(t *testing.T) {
	platform := &fakePlatform{}
	r, err := New(platform, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	assert.False(t, r.Enabled())

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop(context.Background()))
	assert.Empty(t, platform.registered)
	assert.Zero(t, platform.unregistered)
}

func TestStartFailures(t *testing.T) {
	rejected := &fakePlatform{}
	r, err := New(rejected, Options{CallbackURL: "https://bridge.example"})
	require.NoError(t, err)
	require.ErrorIs(t, r.Start(context.Background()), ErrRejected)
	require.NoError(t, r.Stop(context.Background()))
	assert.Zero(t, rejected.unregistered)

	boom := errors.New("boom")
	failing := &fakePlatform{registerErr: boom}
	r, err = New(failing, Options{CallbackURL: "https://bridge.example"})
	require.NoError(t, err)
	require.ErrorIs(t, r.Start(context.Background()), boom)
}

func TestNewRequiresPlatform(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}
