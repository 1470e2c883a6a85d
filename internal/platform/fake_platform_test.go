package platform

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	fakeOrg      = "acme"
	fakeUser     = "integration-user"
	fakePassword = "integration-pass"
	fakeSolution = "solution-7"
)

var fakeIntegrationLinks = map[string]string{
	"clientsessions":    "/api/clientsessions",
	"newdataavailable":  "/api/newdataavailable",
	"backendcontext":    "/api/backendcontext",
	"backendmessages":   "/api/backendmessages",
	"validatetoken":     "/api/validatetoken",
	"distributionlists": "/api/distributionlists",
	"adapter":           "/api/adapter",
	"users":             "/api/users",
}

// fakePlatform serves the root menu and the token endpoint and hands out
// tokens "tok-1", "tok-2", ... Tests register the integration endpoints.
type fakePlatform struct {
	t      *testing.T
	server *httptest.Server
	mux    *http.ServeMux

	rootCalls  atomic.Int32
	tokenCalls atomic.Int32

	mu sync.Mutex
	// tokenStatus, when set, answers the nth token request (1-based).
	tokenStatus map[int32]int
	lastForm    map[string]string
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	fp := &fakePlatform{t: t, mux: http.NewServeMux(), tokenStatus: map[int32]int{}}
	fp.mux.HandleFunc("/api", fp.handleRoot)
	fp.mux.HandleFunc("/api/token", fp.handleToken)
	fp.server = httptest.NewServer(fp.mux)
	t.Cleanup(fp.server.Close)
	return fp
}

func (fp *fakePlatform) handleRoot(w http.ResponseWriter, r *http.Request) {
	fp.rootCalls.Add(1)
	if r.Method != http.MethodGet || r.URL.Query().Get("orgName") != fakeOrg {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if r.Header.Get("Authorization") != "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeTestJSON(w, http.StatusOK, map[string]any{"links": map[string]any{"token": "/api/token", "self": "/api", "broken": 12}})
}

func (fp *fakePlatform) handleToken(w http.ResponseWriter, r *http.Request) {
	n := fp.tokenCalls.Add(1)
	if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/x-www-form-urlencoded" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	fp.mu.Lock()
	fp.lastForm = map[string]string{}
	for k := range r.PostForm {
		fp.lastForm[k] = r.PostForm.Get(k)
	}
	status, scripted := fp.tokenStatus[n]
	fp.mu.Unlock()
	if scripted {
		w.WriteHeader(status)
		return
	}
	if r.PostForm.Get("username") != fakeUser || r.PostForm.Get("password") != fakePassword {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeTestJSON(w, http.StatusOK, map[string]any{
		"access_token": fmt.Sprintf("tok-%d", n),
		"token_type":   "bearer",
		"scope":        r.PostForm.Get("scope"),
		"expires_in":   "3600",
		"user":         map[string]any{"_id": "iu", "username": fakeUser},
		"links":        fakeIntegrationLinks,
	})
}

func (fp *fakePlatform) failTokenRequest(n int32, status int) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.tokenStatus[n] = status
}

func (fp *fakePlatform) form() map[string]string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.lastForm
}

func (fp *fakePlatform) handle(pattern string, handler http.HandlerFunc) {
	fp.mux.HandleFunc(pattern, handler)
}

func (fp *fakePlatform) client(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(Options{
		BaseURL:    fp.server.URL + "/api",
		OrgName:    fakeOrg,
		SolutionID: fakeSolution,
		Username:   fakeUser,
		Password:   fakePassword,
		HTTPClient: fp.server.Client(),
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return client
}

func writeTestJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
