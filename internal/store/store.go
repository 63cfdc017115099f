// Package store selects the session entry persistence backend.
package store

import (
	"context"
	"fmt"

	"github.com/danharwell/chatmux/internal/sessions"
	"github.com/danharwell/chatmux/internal/store/sqlite"
)

// Open creates the entry store named by backend:
//
//	"file"   — one JSON file per session under path (a directory)
//	"sqlite" — SQLite database at path
//	""       — defaults to sqlite
func Open(ctx context.Context, backend, path string) (sessions.EntryStore, error) {
	switch backend {
	case "file":
		return sessions.NewFileStore(path)
	case "sqlite", "":
		return sqlite.Open(ctx, path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
