package rendezvous

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rflandau/Lockstep/pkg/lockstep/protocol"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned by a Store when the digest does not match the stored credentials.
var ErrBadCredentials = errors.New("bad credentials")

// Store holds player accounts.
// Digests are the client-side SHA-256 of the password; stores keep only a bcrypt hash of the digest.
type Store interface {
	// Authenticate returns the id permanently assigned to username, creating the account if it does not exist.
	// Returns ErrBadCredentials if the account exists and digest does not match.
	Authenticate(ctx context.Context, username string, digest [protocol.DigestLen]byte) (lockstep.PeerID, error)
	Close() error
}

func costOrDefault(cost int) int {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return bcrypt.DefaultCost
	}
	return cost
}

func check(hash []byte, digest [protocol.DigestLen]byte) error {
	if err := bcrypt.CompareHashAndPassword(hash, digest[:]); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrBadCredentials
		}
		return err
	}
	return nil
}

//#region memory

// MemStore is a Store that lives only as long as the process.
type MemStore struct {
	mu     sync.Mutex
	cost   int
	nextID lockstep.PeerID
	users  map[string]account
}

type account struct {
	id   lockstep.PeerID
	hash []byte
}

// NewMemStore returns an empty MemStore hashing with the given bcrypt cost.
// An out-of-range cost is replaced by bcrypt.DefaultCost.
func NewMemStore(cost int) *MemStore {
	return &MemStore{cost: costOrDefault(cost), nextID: 1, users: make(map[string]account)}
}

func (m *MemStore) Authenticate(_ context.Context, username string, digest [protocol.DigestLen]byte) (lockstep.PeerID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, found := m.users[username]; found {
		if err := check(a.hash, digest); err != nil {
			return 0, err
		}
		return a.id, nil
	}
	hash, err := bcrypt.GenerateFromPassword(digest[:], m.cost)
	if err != nil {
		return 0, err
	}
	a := account{id: m.nextID, hash: hash}
	m.nextID++
	m.users[username] = a
	return a.id, nil
}

func (m *MemStore) Close() error { return nil }

//#endregion memory

//#region sqlite

// SQLiteStore is a Store backed by a sqlite database file.
type SQLiteStore struct {
	db   *sql.DB
	cost int
}

// OpenSQLite opens (creating if necessary) the account database at path.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string, cost int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, cost: costOrDefault(cost)}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		hash BLOB NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Authenticate(ctx context.Context, username string, digest [protocol.DigestLen]byte) (lockstep.PeerID, error) {
	var (
		id   int64
		hash []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, hash FROM accounts WHERE username = ?`, username).Scan(&id, &hash)
	switch {
	case err == nil:
		if err := check(hash, digest); err != nil {
			return 0, err
		}
		return lockstep.PeerID(id), nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("lookup account: %w", err)
	}

	if hash, err = bcrypt.GenerateFromPassword(digest[:], s.cost); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO accounts (username, hash) VALUES (?, ?)`, username, hash)
	if err != nil {
		return 0, fmt.Errorf("create account: %w", err)
	}
	if id, err = res.LastInsertId(); err != nil {
		return 0, err
	}
	if id <= 0 || id > int64(^lockstep.PeerID(0)) {
		return 0, fmt.Errorf("account id %d does not fit a peer id", id)
	}
	return lockstep.PeerID(id), nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

//#endregion sqlite
