package store

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type StateBackendFactory func(dsn string) (StateBackend, error)
type NotificationQueueFactory func(dsn string, capacity int) (NotificationQueue, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	stateFactories map[string]StateBackendFactory
	queueFactories map[string]NotificationQueueFactory
}{
	stateFactories: map[string]StateBackendFactory{},
	queueFactories: map[string]NotificationQueueFactory{},
}

// RegisterStateBackendFactory makes BuildStateBackendFromDSN accept a new
// scheme. Registered factories win over the built-in schemes.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.stateFactories[scheme] = factory
}

func RegisterNotificationQueueFactory(scheme string, factory NotificationQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.stateFactories[normalizeBackendScheme(scheme)]
	return factory, ok
}

func lookupNotificationQueueFactory(scheme string) (NotificationQueueFactory, bool) {
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[normalizeBackendScheme(scheme)]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildStateBackendFromDSN picks a backend by scheme: memory://, file://path
// (or a bare path) and postgres://. An empty DSN means no persistence.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	default:
		return nil, fmt.Errorf("%w: state backend scheme %q", ErrUnsupportedScheme, scheme)
	}
}

// BuildNotificationQueueFromDSN picks a queue by scheme: memory:// or
// file://path. An empty DSN gets an in-memory queue.
func BuildNotificationQueueFromDSN(dsn string, capacity int) (NotificationQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryNotificationQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupNotificationQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileNotificationQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryNotificationQueue(capacity), nil
	default:
		return nil, fmt.Errorf("%w: notification queue scheme %q", ErrUnsupportedScheme, scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	} else if parsed.Host != "" {
		// file://relative/dir/state.json
		path = parsed.Host + path
	}
	if path == "" {
		return "", fmt.Errorf("%w: dsn %q has no path", ErrInvalidDSN, raw)
	}
	return path, nil
}
