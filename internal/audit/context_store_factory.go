package audit

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildContextStoreFromDSN picks a ContextStore by URL scheme. An empty DSN
// means no persistence and yields a nil store.
func BuildContextStoreFromDSN(dsn string) (ContextStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupContextStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileContextStore(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryContextStore(), nil
	case "postgres", "postgresql":
		return NewPostgresContextStore(dsn)
	case "mysql", "sqlite", "redis", "rediss":
		return nil, fmt.Errorf("%w: context store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported context store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
