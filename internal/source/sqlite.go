package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/mythos-app/indexd/internal/storage"
)

// Reader reads documents and entities from the app's SQLite database. The
// database belongs to the writing app, so the connection is opened read-only.
type Reader struct {
	db *sql.DB
}

// OpenReader opens the app database at path read-only.
func OpenReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening app database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging app database: %w", err)
	}

	// The app writes to this database; wait briefly on its locks.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &Reader{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Reader) Close() error {
	return r.db.Close()
}

// GetText returns the current text for a target. Documents yield title plus
// body, entities name plus description, joined by a blank line so the parts
// chunk as separate paragraphs.
func (r *Reader) GetText(ctx context.Context, targetType, targetID string) (Content, error) {
	var query string
	switch targetType {
	case storage.TargetDocument:
		query = `SELECT project_id, title, content FROM documents WHERE id = ?`
	case storage.TargetEntity:
		query = `SELECT project_id, name, description FROM entities WHERE id = ?`
	default:
		return Content{}, fmt.Errorf("unsupported target type %q", targetType)
	}

	var projectID string
	var heading, body sql.NullString
	err := r.db.QueryRowContext(ctx, query, targetID).Scan(&projectID, &heading, &body)
	if err == sql.ErrNoRows {
		return Content{}, ErrNotFound
	}
	if err != nil {
		return Content{}, fmt.Errorf("reading %s %s: %w", targetType, targetID, err)
	}

	return Content{ProjectID: projectID, Text: joinParts(heading.String, body.String)}, nil
}

func joinParts(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
