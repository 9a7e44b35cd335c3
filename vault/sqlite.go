package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id         TEXT PRIMARY KEY,
	provider   TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	expiry     DATETIME,
	sealed     BLOB NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// SQLiteStore persists credentials in a SQLite database. Token material is
// sealed with XChaCha20-Poly1305; the row id is bound as additional data so
// ciphertexts cannot be swapped between rows.
type SQLiteStore struct {
	db   *sql.DB
	aead cipherAEAD
}

type cipherAEAD interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

var (
	_ Store  = (*SQLiteStore)(nil)
	_ Purger = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath. The
// encryption key is derived from secret with SHA-256. The caller is
// responsible for calling Close.
func NewSQLiteStore(dbPath string, secret []byte) (*SQLiteStore, error) {
	if len(secret) == 0 {
		return nil, errors.New("vault: empty encryption secret")
	}

	key := sha256.Sum256(secret)

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, aead: aead}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Put seals and upserts c under key.
func (s *SQLiteStore) Put(ctx context.Context, key string, c Credential) error {
	plain, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, plain, []byte(key))

	var expiry any
	if !c.Expiry.IsZero() {
		expiry = c.Expiry.UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, provider, user_id, expiry, sealed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider,
			user_id = excluded.user_id,
			expiry = excluded.expiry,
			sealed = excluded.sealed,
			updated_at = excluded.updated_at`,
		key, c.Provider, c.UserID, expiry, sealed, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store credential %s: %w", key, err)
	}

	return nil
}

// Get loads and opens the credential stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (Credential, error) {
	var sealed []byte

	err := s.db.QueryRowContext(ctx, `SELECT sealed FROM credentials WHERE id = ?`, key).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, fmt.Errorf("vault key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Credential{}, fmt.Errorf("load credential %s: %w", key, err)
	}

	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return Credential{}, fmt.Errorf("credential %s: sealed value too short", key)
	}

	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(key))
	if err != nil {
		return Credential{}, fmt.Errorf("open credential %s: %w", key, err)
	}

	var c Credential
	if err := json.Unmarshal(plain, &c); err != nil {
		return Credential{}, fmt.Errorf("unmarshal credential %s: %w", key, err)
	}

	return c, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, key); err != nil {
		return fmt.Errorf("delete credential %s: %w", key, err)
	}

	return nil
}

// PurgeExpired deletes credentials whose expiry lies before now and returns
// how many rows were removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE expiry IS NOT NULL AND expiry < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge credentials: %w", err)
	}

	return res.RowsAffected()
}
