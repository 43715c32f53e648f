// Package memory implements a text memory store backed by pure-Go SQLite.
// Search is full-text (FTS5), no embeddings involved; entries are plain
// markdown fragments with a source tag.
package memory

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultSearchK is the result count when the caller does not pass one.
const DefaultSearchK = 5

// maxChunkLines bounds how many lines one ingested chunk may span.
const maxChunkLines = 40

// Entry is one stored memory fragment.
type Entry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Scored pairs an entry with its search rank (lower is better, bm25).
type Scored struct {
	Entry
	Rank float64 `json:"rank"`
}

// Stats summarizes the store.
type Stats struct {
	Entries    int       `json:"entries"`
	Sources    int       `json:"sources"`
	LastAppend time.Time `json:"last_append,omitempty"`
	DBPath     string    `json:"db_path"`
}

// Store is a SQLite-backed memory index. Safe for concurrent use; SQLite
// serializes writers internally.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the store at dbPath, creating parent directories
// and the schema as needed.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
			content, entry_id UNINDEXED
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("memory schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Append stores a fragment and indexes it immediately.
func (s *Store) Append(ctx context.Context, content, source string) (Entry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Entry{}, fmt.Errorf("empty content")
	}
	e := Entry{
		ID:        uuid.NewString(),
		Content:   content,
		Source:    source,
		CreatedAt: time.Now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries (id, content, source, created_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.Content, e.Source, e.CreatedAt.UnixMilli()); err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries_fts (content, entry_id) VALUES (?, ?)`,
		e.Content, e.ID); err != nil {
		return Entry{}, fmt.Errorf("index entry: %w", err)
	}
	return e, tx.Commit()
}

// Get fetches one entry by id.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	var createdMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content, source, created_at FROM entries WHERE id = ?`, id).
		Scan(&e.ID, &e.Content, &e.Source, &createdMs)
	if err == sql.ErrNoRows {
		return Entry{}, fmt.Errorf("memory entry not found: %s", id)
	}
	if err != nil {
		return Entry{}, err
	}
	e.CreatedAt = time.UnixMilli(createdMs)
	return e, nil
}

// Search runs a full-text query and returns up to k entries ranked by
// relevance. The raw query is tokenized and quoted so user text cannot
// trip FTS operator syntax.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Scored, error) {
	if k <= 0 {
		k = DefaultSearchK
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.content, e.source, e.created_at, bm25(entries_fts) AS rank
		FROM entries_fts
		JOIN entries e ON e.id = entries_fts.entry_id
		WHERE entries_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, match, k)
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}
	defer rows.Close()

	var out []Scored
	for rows.Next() {
		var sc Scored
		var createdMs int64
		if err := rows.Scan(&sc.ID, &sc.Content, &sc.Source, &createdMs, &sc.Rank); err != nil {
			return nil, err
		}
		sc.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Ingest reads a file, splits it into paragraph chunks, and appends each
// chunk with the file path as source. Returns the number of chunks stored.
func (s *Store) Ingest(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("ingest: %w", err)
	}
	defer f.Close()

	var (
		chunk []string
		count int
	)
	flush := func() error {
		text := strings.TrimSpace(strings.Join(chunk, "\n"))
		chunk = chunk[:0]
		if text == "" {
			return nil
		}
		if _, err := s.Append(ctx, text, path); err != nil {
			return err
		}
		count++
		return nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || len(chunk) >= maxChunkLines {
			if err := flush(); err != nil {
				return count, err
			}
			if strings.TrimSpace(line) != "" {
				chunk = append(chunk, line)
			}
			continue
		}
		chunk = append(chunk, line)
	}
	if err := scanner.Err(); err != nil {
		return count, err
	}
	if err := flush(); err != nil {
		return count, err
	}
	return count, nil
}

// GetStats reports store totals.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	st := Stats{DBPath: s.path}
	var lastMs sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT source), MAX(created_at) FROM entries`).
		Scan(&st.Entries, &st.Sources, &lastMs)
	if err != nil {
		return Stats{}, err
	}
	if lastMs.Valid {
		st.LastAppend = time.UnixMilli(lastMs.Int64)
	}
	return st, nil
}

// ftsQuery turns free text into a safe FTS5 query: each token becomes a
// quoted term, tokens are ANDed implicitly.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " ")
}
