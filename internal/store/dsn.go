package store

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Backend names a storage implementation selected by DSN scheme.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendBadger   Backend = "badger"
)

// MemoryLocation asks the sqlite and badger backends for a throwaway in-memory database.
const MemoryLocation = ":memory:"

// DSN is a parsed database address.
type DSN struct {
	Backend Backend
	// Raw is the address as configured; postgres hands it to the driver unchanged.
	Raw string
	// Location is the file path for sqlite and badger, with any sqlite query string kept, or
	// MemoryLocation.
	Location string
}

func (d DSN) InMemory() bool {
	return d.Backend == BackendMemory || d.Location == MemoryLocation
}

// ParseDSN routes memory://, sqlite://, postgres:// (or postgresql://) and badger:// addresses.
// Relative sqlite paths are anchored at the working directory.
func ParseDSN(raw string) (DSN, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return DSN{}, fmt.Errorf("database dsn %q has no scheme", raw)
	}
	d := DSN{Raw: raw}
	switch scheme {
	case "memory":
		d.Backend = BackendMemory
		d.Location = MemoryLocation
	case "postgres", "postgresql":
		d.Backend = BackendPostgres
	case "sqlite":
		d.Backend = BackendSQLite
		loc, err := sqliteLocation(rest)
		if err != nil {
			return DSN{}, fmt.Errorf("parsing sqlite dsn: %w", err)
		}
		d.Location = loc
	case "badger":
		d.Backend = BackendBadger
		if rest == "" {
			return DSN{}, fmt.Errorf("badger dsn has no path")
		}
		loc, err := url.PathUnescape(rest)
		if err != nil {
			return DSN{}, fmt.Errorf("parsing badger dsn: %w", err)
		}
		d.Location = loc
	default:
		return DSN{}, fmt.Errorf("unsupported database scheme: %s", scheme)
	}
	return d, nil
}

func sqliteLocation(rest string) (string, error) {
	if rest == MemoryLocation {
		return rest, nil
	}
	path, query, hasQuery := strings.Cut(rest, "?")
	if path == "" {
		return "", fmt.Errorf("no database path")
	}
	path, err := url.PathUnescape(path)
	if err != nil {
		return "", fmt.Errorf("unescaping path: %w", err)
	}
	if !filepath.IsAbs(path) && !strings.HasPrefix(path, "./") {
		path = "./" + path
	}
	if hasQuery {
		return path + "?" + query, nil
	}
	return path, nil
}
