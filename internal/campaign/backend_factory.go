package campaign

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildStateBackendFromDSN maps a DSN to a backend. Recognized schemes:
// file:// (or a bare path), memory://, postgres://, sqlite://.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "sqlite", "sqlite3":
		return NewSQLiteBackend(strings.TrimPrefix(strings.TrimPrefix(dsn, scheme+"://"), scheme+":"))
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: file DSN missing path", ErrInvalidInput)
	}
	return path, nil
}
