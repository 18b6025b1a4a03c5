// Package userdb loads and queries the flat-file user table. Each line of
// the user file is "username<TAB>password"; usernames are case-insensitive
// and stored lowercased, passwords are kept verbatim. The table also tracks
// the per-mailbox POP3 lock so that at most one session owns a mailbox at
// a time.
package userdb

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"sync"
)

// DB is an in-memory user table with per-user mailbox locks.
type DB struct {
	mu     sync.Mutex
	users  map[string]string
	locked map[string]bool
}

// Load reads the user file at path and returns the populated table.
// Lines without a tab separator or with an empty username are skipped.
func Load(path string) (*DB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening user file: %w", err)
	}
	defer f.Close()

	db := &DB{
		users:  make(map[string]string),
		locked: make(map[string]bool),
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		name, password, found := strings.Cut(line, "\t")
		if !found || name == "" {
			continue
		}
		db.users[strings.ToLower(name)] = password
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading user file: %w", err)
	}

	return db, nil
}

// Has reports whether username exists in the table.
func (db *DB) Has(username string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, ok := db.users[strings.ToLower(username)]
	return ok
}

// Verify checks username and password against the table.
func (db *DB) Verify(username, password string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	stored, ok := db.users[strings.ToLower(username)]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

// Lock acquires the mailbox lock for username. It returns false if the
// mailbox is already locked by another session.
func (db *DB) Lock(username string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	name := strings.ToLower(username)
	if db.locked[name] {
		return false
	}
	db.locked[name] = true
	return true
}

// Unlock releases the mailbox lock for username. Unlocking a mailbox that
// is not locked is a no-op.
func (db *DB) Unlock(username string) {
	db.mu.Lock()
	defer db.mu.Unlock()

	delete(db.locked, strings.ToLower(username))
}

// IsLocked reports whether the mailbox for username is currently locked.
func (db *DB) IsLocked(username string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.locked[strings.ToLower(username)]
}

// Count returns the number of users in the table.
func (db *DB) Count() int {
	db.mu.Lock()
	defer db.mu.Unlock()

	return len(db.users)
}
