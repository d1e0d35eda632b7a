package store

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrTokenConflict is returned when bootstrap is attempted with a token that
// does not match the one already stored.
var ErrTokenConflict = errors.New("session token already set with a different value")

const tokenRow = "default"

// BootstrapToken stores sha256(salt || token) under the default row.
// Bootstrap is one-shot and idempotent: repeating it with the same token
// succeeds, a different token returns ErrTokenConflict.
func (s *Store) BootstrapToken(token string) error {
	return s.withTx(func(tx *sql.Tx) error {
		var salt, hash string
		err := tx.QueryRow(`SELECT salt, token_hash FROM session_tokens WHERE name = ?`, tokenRow).Scan(&salt, &hash)
		switch {
		case err == sql.ErrNoRows:
			saltBytes := make([]byte, 16)
			if _, err := rand.Read(saltBytes); err != nil {
				return fmt.Errorf("store: salt: %w", err)
			}
			newSalt := hex.EncodeToString(saltBytes)
			_, err := tx.Exec(`INSERT INTO session_tokens (name, salt, token_hash, created_at) VALUES (?, ?, ?, ?)`,
				tokenRow, newSalt, hashToken(newSalt, token), nowUTC())
			return err
		case err != nil:
			return fmt.Errorf("store: read token: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(hashToken(salt, token)), []byte(hash)) == 1 {
			return nil
		}
		return ErrTokenConflict
	})
}

// TokenInitialized reports whether a session token has been bootstrapped.
func (s *Store) TokenInitialized() (bool, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM session_tokens WHERE name = ?`, tokenRow).Scan(&count); err != nil {
		return false, fmt.Errorf("store: token initialized: %w", err)
	}
	return count > 0, nil
}

// ValidateToken compares the presented token against the stored salted hash
// in constant time. An uninitialized store validates nothing.
func (s *Store) ValidateToken(token string) (bool, error) {
	var salt, hash string
	err := s.db.QueryRow(`SELECT salt, token_hash FROM session_tokens WHERE name = ?`, tokenRow).Scan(&salt, &hash)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: validate token: %w", err)
	}
	return subtle.ConstantTimeCompare([]byte(hashToken(salt, token)), []byte(hash)) == 1, nil
}

func hashToken(salt, token string) string {
	sum := sha256.Sum256([]byte(salt + token))
	return hex.EncodeToString(sum[:])
}
