// Package store implements the persistent mailbox store. Mail bodies are
// kept in a single SQLite database file, one row per message, keyed by a
// stable rowid that survives restarts. POP3 sessions open a Box, which is
// a snapshot view of one user's mailbox; deletions are buffered on the Box
// and hit storage only when the Box is closed with commit=true.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store is the process-wide mailbox store.
type Store struct {
	db *sql.DB
}

// Entry describes one message inside an open Box.
type Entry struct {
	// Seq is the 1-based message number within this session.
	Seq int
	// ID is the stable store-assigned identifier.
	ID int64
	// Size is the message size in bytes.
	Size int64

	deleted bool
}

// Box is a snapshot view of one user's mailbox held by a POP3 session.
type Box struct {
	store   *Store
	user    string
	entries []*Entry
}

// Open opens or creates the store database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	// A single connection serializes writers; sqlite would otherwise
	// return SQLITE_BUSY under concurrent sessions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS mail (
			id   INTEGER PRIMARY KEY AUTOINCREMENT,
			user TEXT NOT NULL,
			size INTEGER NOT NULL,
			body BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS mail_user ON mail (user);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Push appends a message body to the user's mailbox.
func (s *Store) Push(user string, body []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO mail (user, size, body) VALUES (?, ?, ?)`,
		user, int64(len(body)), body,
	)
	if err != nil {
		return fmt.Errorf("pushing mail for %s: %w", user, err)
	}
	return nil
}

// OpenBox opens a snapshot view of the user's mailbox.
func (s *Store) OpenBox(user string) (*Box, error) {
	rows, err := s.db.Query(
		`SELECT id, size FROM mail WHERE user = ? ORDER BY id`,
		user,
	)
	if err != nil {
		return nil, fmt.Errorf("opening mailbox for %s: %w", user, err)
	}
	defer rows.Close()

	box := &Box{store: s, user: user}
	seq := 0
	for rows.Next() {
		var id, size int64
		if err := rows.Scan(&id, &size); err != nil {
			return nil, fmt.Errorf("reading mailbox for %s: %w", user, err)
		}
		seq++
		box.entries = append(box.entries, &Entry{Seq: seq, ID: id, Size: size})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading mailbox for %s: %w", user, err)
	}

	return box, nil
}

// Fetch returns the full body of the message with the given stable id.
func (s *Store) Fetch(id int64) ([]byte, error) {
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM mail WHERE id = ?`, id).Scan(&body)
	if err != nil {
		return nil, fmt.Errorf("fetching mail %d: %w", id, err)
	}
	return body, nil
}

func (s *Store) delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM mail WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting mail %d: %w", id, err)
	}
	return nil
}

// User returns the mailbox owner.
func (b *Box) User() string {
	return b.user
}

// Count returns the number of messages not marked deleted.
func (b *Box) Count() int {
	n := 0
	for _, e := range b.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

// TotalSize returns the summed size of all messages not marked deleted.
func (b *Box) TotalSize() int64 {
	var total int64
	for _, e := range b.entries {
		if !e.deleted {
			total += e.Size
		}
	}
	return total
}

// Entries returns the messages not marked deleted, in mailbox order.
func (b *Box) Entries() []*Entry {
	out := make([]*Entry, 0, len(b.entries))
	for _, e := range b.entries {
		if !e.deleted {
			out = append(out, e)
		}
	}
	return out
}

// Entry returns the message with sequence number seq, or nil when seq is
// out of range or the message is marked deleted.
func (b *Box) Entry(seq int) *Entry {
	if seq < 1 || seq > len(b.entries) {
		return nil
	}
	e := b.entries[seq-1]
	if e.deleted {
		return nil
	}
	return e
}

// MarkDeleted marks the message with sequence number seq as deleted on
// this view. It returns false when seq is invalid or already deleted.
func (b *Box) MarkDeleted(seq int) bool {
	e := b.Entry(seq)
	if e == nil {
		return false
	}
	e.deleted = true
	return true
}

// Reset clears all deletion marks on this view.
func (b *Box) Reset() {
	for _, e := range b.entries {
		e.deleted = false
	}
}

// Close releases the view. When commit is true every message marked
// deleted is removed from storage; otherwise the store is untouched.
func (b *Box) Close(commit bool) error {
	if !commit {
		return nil
	}
	for _, e := range b.entries {
		if !e.deleted {
			continue
		}
		if err := b.store.delete(e.ID); err != nil {
			return err
		}
	}
	return nil
}
