package source

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mythos-app/indexd/internal/storage"
)

// createAppDB builds a throwaway copy of the writing app's schema with a few
// rows and returns its path.
func createAppDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("opening app db: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE documents (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			title TEXT,
			content TEXT
		)`,
		`CREATE TABLE entities (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT,
			description TEXT
		)`,
		`INSERT INTO documents VALUES ('doc-1', 'p1', 'Chapter One', 'It was a dark and stormy night.')`,
		`INSERT INTO documents VALUES ('doc-2', 'p1', '', 'An untitled fragment.')`,
		`INSERT INTO entities VALUES ('ent-1', 'p2', 'Morgana', 'A sea witch who trades in memories.')`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seeding app db: %v", err)
		}
	}
	return path
}

func openTestReader(t *testing.T) *Reader {
	t.Helper()
	r, err := OpenReader(createAppDB(t))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestGetTextDocument(t *testing.T) {
	r := openTestReader(t)

	c, err := r.GetText(context.Background(), storage.TargetDocument, "doc-1")
	if err != nil {
		t.Fatalf("GetText: %v", err)
	}
	if c.ProjectID != "p1" {
		t.Errorf("ProjectID = %q, want p1", c.ProjectID)
	}
	want := "Chapter One\n\nIt was a dark and stormy night."
	if c.Text != want {
		t.Errorf("Text = %q, want %q", c.Text, want)
	}
}

func TestGetTextEntity(t *testing.T) {
	r := openTestReader(t)

	c, err := r.GetText(context.Background(), storage.TargetEntity, "ent-1")
	if err != nil {
		t.Fatalf("GetText: %v", err)
	}
	if c.ProjectID != "p2" {
		t.Errorf("ProjectID = %q, want p2", c.ProjectID)
	}
	want := "Morgana\n\nA sea witch who trades in memories."
	if c.Text != want {
		t.Errorf("Text = %q, want %q", c.Text, want)
	}
}

func TestGetTextSkipsEmptyTitle(t *testing.T) {
	r := openTestReader(t)

	c, err := r.GetText(context.Background(), storage.TargetDocument, "doc-2")
	if err != nil {
		t.Fatalf("GetText: %v", err)
	}
	if c.Text != "An untitled fragment." {
		t.Errorf("Text = %q, want body only with no leading blank line", c.Text)
	}
}

func TestGetTextNotFound(t *testing.T) {
	r := openTestReader(t)

	_, err := r.GetText(context.Background(), storage.TargetDocument, "doc-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetText = %v, want ErrNotFound", err)
	}

	// An entity ID does not resolve as a document.
	_, err = r.GetText(context.Background(), storage.TargetDocument, "ent-1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetText across types = %v, want ErrNotFound", err)
	}
}

func TestGetTextUnsupportedType(t *testing.T) {
	r := openTestReader(t)

	_, err := r.GetText(context.Background(), "chapter", "doc-1")
	if err == nil {
		t.Fatal("GetText accepted an unknown target type")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("unknown target type reported as ErrNotFound")
	}
}
