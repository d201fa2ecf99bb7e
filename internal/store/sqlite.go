package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrEmptyChain is returned when saving a chain with no certificates.
var ErrEmptyChain = errors.New("store: chain has no certificates")

// Store is the SQLite chain history.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	return OpenWithTimeout(path, 5000)
}

// OpenWithTimeout is Open with an explicit SQLite busy timeout.
func OpenWithTimeout(path string, busyTimeoutMs int) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busyTimeoutMs))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HashChain digests a chain so a stored copy can be checked later.
func HashChain(certs [][]byte) [32]byte {
	h := sha256.New()
	var n [4]byte
	for _, c := range certs {
		binary.BigEndian.PutUint32(n[:], uint32(len(c)))
		h.Write(n[:])
		h.Write(c)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SaveChain inserts c and its certificates and returns the new ID.
func (s *Store) SaveChain(c *Chain) (int64, error) {
	if len(c.Certificates) == 0 {
		return 0, ErrEmptyChain
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.Hash = HashChain(c.Certificates)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO chains (created_at, provider, generation, security_level, challenge, chain_hash, note)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.CreatedAt.UnixNano(), c.Provider, int64(c.Generation), c.SecurityLevel, c.Challenge, c.Hash[:], c.Note,
	)
	if err != nil {
		return 0, fmt.Errorf("insert chain: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO certificates (chain_id, ordinal, der) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, der := range c.Certificates {
		if _, err := stmt.Exec(id, i, der); err != nil {
			return 0, fmt.Errorf("insert certificate: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	c.ID = id
	return id, nil
}

// GetChain retrieves a chain by ID. A missing chain returns nil, nil.
func (s *Store) GetChain(id int64) (*Chain, error) {
	var (
		c         Chain
		createdAt int64
		gen       int64
		hash      []byte
	)
	err := s.db.QueryRow(`
		SELECT id, created_at, provider, generation, security_level, challenge, chain_hash, note
		FROM chains WHERE id = ?`, id,
	).Scan(&c.ID, &createdAt, &c.Provider, &gen, &c.SecurityLevel, &c.Challenge, &hash, &c.Note)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get chain: %w", err)
	}
	c.CreatedAt = time.Unix(0, createdAt)
	c.Generation = uint64(gen)
	copy(c.Hash[:], hash)

	if c.Certificates, err = s.certificates(id); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) certificates(chainID int64) ([][]byte, error) {
	rows, err := s.db.Query(`
		SELECT der FROM certificates
		WHERE chain_id = ?
		ORDER BY ordinal ASC`, chainID,
	)
	if err != nil {
		return nil, fmt.Errorf("query certificates: %w", err)
	}
	defer rows.Close()

	var certs [][]byte
	for rows.Next() {
		var der []byte
		if err := rows.Scan(&der); err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		certs = append(certs, der)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificates: %w", err)
	}
	return certs, nil
}

// History lists the most recent chains, newest first. limit <= 0 lists all.
func (s *Store) History(limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT c.id, c.created_at, c.provider, c.generation, c.security_level, c.note,
		       (SELECT COUNT(*) FROM certificates WHERE chain_id = c.id)
		FROM chains c
		ORDER BY c.created_at DESC, c.id DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum       Summary
			createdAt int64
			gen       int64
		)
		if err := rows.Scan(&sum.ID, &createdAt, &sum.Provider, &gen, &sum.SecurityLevel, &sum.Note, &sum.Certificates); err != nil {
			return nil, fmt.Errorf("scan chain: %w", err)
		}
		sum.CreatedAt = time.Unix(0, createdAt)
		sum.Generation = uint64(gen)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chains: %w", err)
	}
	return out, nil
}

// DeleteChain removes a chain and its certificates.
func (s *Store) DeleteChain(id int64) error {
	result, err := s.db.Exec(`DELETE FROM chains WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete chain: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("chain not found: %d", id)
	}
	return nil
}
