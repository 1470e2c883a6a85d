// Package datasync serves the platform's data sync protocol on top of an
// adapter.Adapter.
package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kayyum-khan/integration-framework/internal/adapter"
)

const (
	HeaderUserID                = "X-AIQ-UserId"
	HeaderDeviceID              = "X-AIQ-DeviceId"
	HeaderMessageID             = "X-AIQ-MessageId"
	HeaderCreated               = "X-AIQ-Created"
	HeaderDocRev                = "X-AIQ-Doc-Rev"
	HeaderSuccess               = "X-AIQ-Success"
	HeaderUrgent                = "X-AIQ-Urgent"
	HeaderTimeToLive            = "X-AIQ-TimeToLive"
	HeaderNotificationMessage   = "X-AIQ-Notification-Message"
	HeaderNotificationSound     = "X-AIQ-Notification-Sound"
	HeaderNotificationVibration = "X-AIQ-Notification-Vibration"

	DefaultBasePath = "/aiq/integration"
)

type ServerConfig struct {
	// BasePath prefixes every route. Empty means DefaultBasePath; "/" mounts
	// at the root.
	BasePath string
	// Password enables basic auth as PlatformUser. Empty disables it.
	Password string
	// MaxBodyBytes caps JSON request bodies and the JSON parts of a
	// co-message.
	MaxBodyBytes int64
	Logger       *zap.Logger
}

type Server struct {
	adapter adapter.Adapter
	cfg     ServerConfig
	logger  *zap.Logger
	handler http.Handler
}

func NewServer(a adapter.Adapter) *Server {
	return NewServerWithConfig(a, ServerConfig{})
}

func NewServerWithConfig(a adapter.Adapter, cfg ServerConfig) *Server {
	if cfg.BasePath == "" {
		cfg.BasePath = DefaultBasePath
	}
	cfg.BasePath = "/" + strings.Trim(cfg.BasePath, "/")
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		adapter: a,
		cfg:     cfg,
		logger:  logger.Named("datasync"),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	api := chi.NewRouter()
	api.NotFound(emptyStatus(http.StatusNotFound))
	api.MethodNotAllowed(emptyStatus(http.StatusMethodNotAllowed))

	api.Get("/heartbeat", s.handleHeartbeat)
	api.Post("/logout", s.handleLogout)
	api.Post("/comessage/{destination}", s.handleCOMessage)
	api.Route("/datasync", func(r chi.Router) {
		r.Get("/", s.handleListDocuments)
		r.Get("/{docType}/{docID}", s.handleGetDocument)
		r.Put("/{docType}/{docID}", s.handlePutDocument)
		r.Delete("/{docType}/{docID}", s.handleDeleteDocument)
		r.Get("/{docType}/{docID}/{name}", s.handleGetAttachment)
		r.Put("/{docType}/{docID}/{name}", s.handlePutAttachment)
		r.Delete("/{docType}/{docID}/{name}", s.handleDeleteAttachment)
	})

	root := chi.NewRouter()
	root.NotFound(emptyStatus(http.StatusNotFound))
	root.MethodNotAllowed(emptyStatus(http.StatusMethodNotAllowed))
	root.Use(requestID, requestLogger(s.logger), recoverer(s.logger), basicAuth(s.cfg.Password, s.logger))
	root.Mount(s.cfg.BasePath, api)
	return root
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.adapter.Logout(r.Context(), req.UserID); err != nil {
		s.writeAdapterError(w, r, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeAdapterError maps an adapter failure to a bare status. Details stay
// in the log.
func (s *Server) writeAdapterError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if code, ok := adapter.StatusCode(err); ok {
		s.logger.Debug("adapter rejected request", zap.String("op", op), zap.Int("status", code), zap.Error(err))
		w.WriteHeader(code)
		return
	}
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		s.logger.Debug("request cancelled", zap.String("op", op))
		return
	}
	s.logger.Error("adapter failure", zap.String("op", op), zap.Error(err))
	w.WriteHeader(http.StatusInternalServerError)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return nil, false
		}
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	return true
}

// readJSONObject reads a body that must be a JSON object.
func (s *Server) readJSONObject(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return nil, false
	}
	if !isJSONObject(body) {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	return json.RawMessage(body), true
}

func isJSONObject(data []byte) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(data, &obj) == nil && obj != nil
}

// identity returns the caller's user and device ids, which every write
// carries.
func identity(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	userID := r.Header.Get(HeaderUserID)
	deviceID := r.Header.Get(HeaderDeviceID)
	if userID == "" || deviceID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return "", "", false
	}
	return userID, deviceID, true
}

// ifMatch parses the If-Match header. present is false when the header is
// absent; ok is false when a response has already been written.
func ifMatch(w http.ResponseWriter, r *http.Request) (revision int64, present bool, ok bool) {
	raw := r.Header.Get("If-Match")
	if raw == "" {
		return 0, false, true
	}
	revision, err := ParseETag(raw)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return 0, true, false
	}
	return revision, true, true
}

func requireIfMatch(w http.ResponseWriter, r *http.Request) (int64, bool) {
	revision, present, ok := ifMatch(w, r)
	if !ok {
		return 0, false
	}
	if !present {
		w.WriteHeader(http.StatusPreconditionRequired)
		return 0, false
	}
	return revision, true
}

// pathParam returns a decoded route parameter. chi matches against the raw
// path when the request carries escaped characters.
func pathParam(r *http.Request, key string) string {
	value := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return value
	}
	if decoded, err := url.PathUnescape(value); err == nil {
		return decoded
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeRawJSON(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func emptyStatus(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}
}
