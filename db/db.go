package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"jimrelay/models"
)

var (
	ErrDuplicateIdentity = errors.New("identity already exists")
	ErrIdentityNotFound  = errors.New("identity not found")
	ErrTargetMissing     = errors.New("contact target does not exist")
)

// Fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS clients (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			info TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS client_contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id INTEGER NOT NULL REFERENCES clients(id),
			contact_id INTEGER NOT NULL REFERENCES clients(id),
			UNIQUE(client_id, contact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS logon_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id INTEGER NOT NULL REFERENCES clients(id),
			logon_time TEXT NOT NULL,
			client_ip TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_client_contacts_client ON client_contacts(client_id)`,
		`CREATE INDEX IF NOT EXISTS idx_logon_history_client ON logon_history(client_id, logon_time)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// withTx runs fn in its own transaction and commits unless fn fails.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// clientID returns the row id for name; ok is false when no such identity exists.
func clientID(ctx context.Context, tx *sql.Tx, name string) (id int64, ok bool, err error) {
	err = tx.QueryRowContext(ctx, "SELECT id FROM clients WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Identity methods
func (db *DB) AddIdentity(ctx context.Context, name, info string) error {
	var infoValue sql.NullString
	if info != "" {
		infoValue = sql.NullString{String: info, Valid: true}
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO clients (name, info) VALUES (?, ?)", name, infoValue)
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %s", ErrDuplicateIdentity, name)
		}
		return err
	})
}

func (db *DB) IdentityExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM clients WHERE name = ?", name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) GetIdentity(ctx context.Context, name string) (*models.Identity, error) {
	var identity models.Identity
	var info sql.NullString
	err := db.conn.QueryRowContext(ctx, "SELECT id, name, info FROM clients WHERE name = ?", name).
		Scan(&identity.ID, &identity.Name, &info)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	identity.Info = info.String
	return &identity, nil
}

// Contact methods

// AddContact puts target into owner's contact list. The target is resolved
// first so a missing target never mutates anything. Adding an existing edge
// succeeds without creating a duplicate.
func (db *DB) AddContact(ctx context.Context, owner, target string) (models.Outcome, error) {
	outcome := models.OutcomeOK
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		contactID, ok, err := clientID(ctx, tx, target)
		if err != nil {
			return err
		}
		if !ok {
			outcome = models.OutcomeTargetMissing
			return nil
		}

		ownerID, ok, err := clientID(ctx, tx, owner)
		if err != nil {
			return err
		}
		if !ok {
			outcome = models.OutcomeOwnerMissing
			return nil
		}

		_, err = tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO client_contacts (client_id, contact_id) VALUES (?, ?)",
			ownerID, contactID,
		)
		return err
	})
	if err != nil {
		return models.OutcomeOK, err
	}
	return outcome, nil
}

// RemoveContact deletes the owner -> target edge. Missing edges and missing
// owners are no-ops; a missing target is reported as ErrTargetMissing.
func (db *DB) RemoveContact(ctx context.Context, owner, target string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		contactID, ok, err := clientID(ctx, tx, target)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrTargetMissing, target)
		}

		ownerID, ok, err := clientID(ctx, tx, owner)
		if err != nil || !ok {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"DELETE FROM client_contacts WHERE client_id = ? AND contact_id = ?",
			ownerID, contactID,
		)
		return err
	})
}

func (db *DB) ListContacts(ctx context.Context, owner string) ([]models.Identity, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT c.id, c.name, c.info
		FROM client_contacts cc
		JOIN clients o ON o.id = cc.client_id
		JOIN clients c ON c.id = cc.contact_id
		WHERE o.name = ?
		ORDER BY cc.id ASC
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []models.Identity{}
	for rows.Next() {
		var c models.Identity
		var info sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &info); err != nil {
			return nil, err
		}
		c.Info = info.String
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

// Logon methods

// RecordLogon appends a logon fact. Unknown identities are skipped.
func (db *DB) RecordLogon(ctx context.Context, name, address string, at time.Time) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		id, ok, err := clientID(ctx, tx, name)
		if err != nil || !ok {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO logon_history (client_id, logon_time, client_ip) VALUES (?, ?, ?)",
			id, at.UTC().Format(timeLayout), address,
		)
		return err
	})
}

func (db *DB) LogonHistory(ctx context.Context, name string) ([]models.LogonRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT lh.logon_time, lh.client_ip
		FROM logon_history lh
		JOIN clients c ON c.id = lh.client_id
		WHERE c.name = ?
		ORDER BY lh.logon_time ASC, lh.id ASC
	`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := []models.LogonRecord{}
	for rows.Next() {
		var r models.LogonRecord
		var timeStr string
		if err := rows.Scan(&timeStr, &r.Address); err != nil {
			return nil, err
		}

		t, err := time.Parse(timeLayout, timeStr)
		if err != nil {
			return nil, err
		}
		r.Time = t

		history = append(history, r)
	}

	return history, rows.Err()
}
