package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// ErrDuplicateName is returned when a unique name (user or group) is already taken.
var ErrDuplicateName = errors.New("name already exists")

// DB is the SQLite-backed persistence collaborator: credentials, presence,
// friend edges, groups and the offline queue.
type DB struct {
	*sql.DB

	// HashCost is the bcrypt cost used by InsertUser.
	HashCost int
}

// Open creates a SQLite connection with WAL mode, a busy timeout and immediate
// write transactions, so several workers (or several nodes on one host) can share it.
func Open(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, HashCost: bcrypt.DefaultCost}, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
