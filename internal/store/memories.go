package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrMemoryTooLong is returned when memory content exceeds the caller's limit.
var ErrMemoryTooLong = errors.New("memory content too long")

// SaveMemory inserts a user memory. Content longer than maxChars (when
// maxChars > 0) is rejected rather than silently truncated.
func (s *Store) SaveMemory(m *UserMemory, maxChars int) (*UserMemory, error) {
	if maxChars > 0 && len([]rune(m.Content)) > maxChars {
		return nil, ErrMemoryTooLong
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Source == "" {
		m.Source = MemorySourceAuto
	}
	m.CreatedAt = nowUTC()
	m.UpdatedAt = m.CreatedAt
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO memories (id, title, content, tags, pinned, is_deleted, source, meta, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
			m.ID, m.Title, m.Content, marshalList(m.Tags), boolToInt(m.Pinned), m.Source, rawOr(m.Meta, "{}"), m.CreatedAt, m.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: save memory: %w", err)
	}
	return m, nil
}

const memoryCols = `id, title, content, tags, pinned, is_deleted, source, meta, created_at, updated_at`

// GetMemory returns one memory by id, including soft-deleted ones.
func (s *Store) GetMemory(id string) (*UserMemory, error) {
	row := s.db.QueryRow(`SELECT `+memoryCols+` FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

// ListMemories returns non-deleted memories, pinned first then newest first.
func (s *Store) ListMemories() ([]*UserMemory, error) {
	rows, err := s.db.Query(`SELECT ` + memoryCols + ` FROM memories WHERE is_deleted = 0 ORDER BY pinned DESC, updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list memories: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// SearchMemories does a case-insensitive substring match over title,
// content and tags of non-deleted memories.
func (s *Store) SearchMemories(query string) ([]*UserMemory, error) {
	q := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.Query(`SELECT `+memoryCols+` FROM memories
		WHERE is_deleted = 0 AND (lower(title) LIKE ? OR lower(content) LIKE ? OR lower(tags) LIKE ?)
		ORDER BY pinned DESC, updated_at DESC`, q, q, q)
	if err != nil {
		return nil, fmt.Errorf("store: search memories: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// UpdateMemory replaces mutable fields of a memory.
func (s *Store) UpdateMemory(id, title, content string, tags []string, pinned bool, maxChars int) (*UserMemory, error) {
	if maxChars > 0 && len([]rune(content)) > maxChars {
		return nil, ErrMemoryTooLong
	}
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE memories SET title = ?, content = ?, tags = ?, pinned = ?, updated_at = ? WHERE id = ? AND is_deleted = 0`,
			title, content, marshalList(tags), boolToInt(pinned), nowUTC(), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: update memory: %w", err)
	}
	return s.GetMemory(id)
}

// DeleteMemory soft-deletes a memory.
func (s *Store) DeleteMemory(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE memories SET is_deleted = 1, updated_at = ? WHERE id = ? AND is_deleted = 0`, nowUTC(), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func collectMemories(rows *sql.Rows) ([]*UserMemory, error) {
	var out []*UserMemory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMemory(r rowScanner) (*UserMemory, error) {
	var m UserMemory
	var tags, meta string
	var pinned, deleted int
	err := r.Scan(&m.ID, &m.Title, &m.Content, &tags, &pinned, &deleted, &m.Source, &meta, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan memory: %w", err)
	}
	m.Tags = unmarshalList[string](tags)
	m.Pinned = pinned != 0
	m.IsDeleted = deleted != 0
	m.Meta = json.RawMessage(meta)
	return &m, nil
}
