package ca

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AuraHome/aura/internal/fault"
)

// IssuedRecord is one row of the append-only certificate ledger. Revocation
// flips the flag in place, rows are never deleted.
type IssuedRecord struct {
	Serial    int64     `json:"serial"`
	Subject   string    `json:"subject"`
	Issuer    string    `json:"issuer"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	PublicKey string    `json:"public_key"` // base64 SPKI
	Signature string    `json:"signature"`  // base64 issuer signature
	Role      string    `json:"role"`       // "root", "server", "client"
	Revoked   bool      `json:"revoked"`
}

const certSchema = `
CREATE TABLE IF NOT EXISTS issued_certs (
	serial INTEGER PRIMARY KEY,
	subject TEXT NOT NULL,
	issuer TEXT NOT NULL,
	not_before DATETIME NOT NULL,
	not_after DATETIME NOT NULL,
	public_key TEXT NOT NULL,
	signature TEXT NOT NULL,
	role TEXT NOT NULL,
	revoked BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_issued_certs_subject ON issued_certs(subject);
`

type certStore struct {
	db *sql.DB
}

func openCertStore(dbPath string) (*certStore, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open cert db: %w", err)
	}
	if _, err := db.Exec(certSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply cert schema: %w", err)
	}
	return &certStore{db: db}, nil
}

func (s *certStore) Close() error {
	return s.db.Close()
}

// nextSerialLocked allocates the next serial number. Callers hold the
// Authority issue mutex, so MAX+1 cannot race with another insert.
func (s *certStore) nextSerialLocked() (int64, error) {
	var next int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(serial), 0) + 1 FROM issued_certs`).Scan(&next); err != nil {
		return 0, &fault.StorageError{Op: "ca.next-serial", Err: err}
	}
	return next, nil
}

func (s *certStore) insert(rec IssuedRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO issued_certs (serial, subject, issuer, not_before, not_after, public_key, signature, role, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		rec.Serial, rec.Subject, rec.Issuer,
		rec.NotBefore.UTC(), rec.NotAfter.UTC(),
		rec.PublicKey, rec.Signature, rec.Role,
	)
	if err != nil {
		return &fault.StorageError{Op: "ca.record-issuance", Err: err}
	}
	return nil
}

func (s *certStore) revoke(serial int64) error {
	res, err := s.db.Exec(`UPDATE issued_certs SET revoked = 1 WHERE serial = ?`, serial)
	if err != nil {
		return &fault.StorageError{Op: "ca.revoke", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &fault.StorageError{Op: "ca.revoke", Err: err}
	}
	if affected == 0 {
		return &fault.InvalidInputError{Field: "serial", Reason: fmt.Sprintf("no issued certificate with serial %d", serial)}
	}
	return nil
}

func (s *certStore) isRevoked(serial int64) (bool, error) {
	var revoked bool
	err := s.db.QueryRow(`SELECT revoked FROM issued_certs WHERE serial = ?`, serial).Scan(&revoked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &fault.StorageError{Op: "ca.lookup-revocation", Err: err}
	}
	return revoked, nil
}

func (s *certStore) list() ([]IssuedRecord, error) {
	rows, err := s.db.Query(`
		SELECT serial, subject, issuer, not_before, not_after, public_key, signature, role, revoked
		FROM issued_certs ORDER BY serial ASC`)
	if err != nil {
		return nil, &fault.StorageError{Op: "ca.list", Err: err}
	}
	defer rows.Close()

	var out []IssuedRecord
	for rows.Next() {
		var rec IssuedRecord
		if err := rows.Scan(&rec.Serial, &rec.Subject, &rec.Issuer, &rec.NotBefore, &rec.NotAfter,
			&rec.PublicKey, &rec.Signature, &rec.Role, &rec.Revoked); err != nil {
			return nil, &fault.StorageError{Op: "ca.list", Err: err}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
