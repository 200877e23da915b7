package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/cleaker-dev/cleaker-ledger/pkg/schema"
)

var (
	// ErrUserNotFound is returned when a username has not been claimed.
	ErrUserNotFound = errors.New("user not found")
	// ErrUsernameTaken is returned when claiming an already-claimed username.
	ErrUsernameTaken = errors.New("username taken")
)

// NormalizeUsername reduces a raw username to its canonical stored
// form: trimmed and lowercased.
func NormalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func scanUser(stmt *sqlite.Stmt) schema.User {
	return schema.User{
		Username:     stmt.GetText("username"),
		IdentityHash: stmt.GetText("identityHash"),
		PublicKey:    stmt.GetText("publicKey"),
		CreatedAt:    stmt.GetInt64("createdAt"),
		UpdatedAt:    stmt.GetInt64("updatedAt"),
	}
}

// ClaimUser claims a username on this host's ledger, binding it to an
// identity hash and public key. One username maps to exactly one
// identity; a second claim fails with ErrUsernameTaken regardless of
// the identity hash offered.
func (s *Store) ClaimUser(ctx context.Context, username, identityHash, publicKey string) (schema.User, error) {
	u := NormalizeUsername(username)

	conn, err := s.take(ctx)
	if err != nil {
		return schema.User{}, err
	}
	defer s.put(conn)

	now := time.Now().UnixMilli()
	err = sqlitex.Execute(conn, `INSERT INTO users
		(username, identityHash, publicKey, createdAt, updatedAt)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{u, identityHash, publicKey, now, now},
		})
	if err != nil {
		// The primary key enforces uniqueness; racing claims lose here.
		if isConstraintErr(err) {
			return schema.User{}, ErrUsernameTaken
		}
		return schema.User{}, fmt.Errorf("store: claim user %s: %w", u, err)
	}

	return schema.User{
		Username:     u,
		IdentityHash: identityHash,
		PublicKey:    publicKey,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetUser looks up a single claimed username.
func (s *Store) GetUser(ctx context.Context, username string) (schema.User, error) {
	u := NormalizeUsername(username)
	if u == "" {
		return schema.User{}, ErrUserNotFound
	}

	conn, err := s.take(ctx)
	if err != nil {
		return schema.User{}, err
	}
	defer s.put(conn)

	var user schema.User
	found := false
	err = sqlitex.Execute(conn,
		`SELECT username, identityHash, publicKey, createdAt, updatedAt
		 FROM users WHERE username = ?`,
		&sqlitex.ExecOptions{
			Args: []any{u},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				user = scanUser(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return schema.User{}, fmt.Errorf("store: get user %s: %w", u, err)
	}
	if !found {
		return schema.User{}, ErrUserNotFound
	}
	return user, nil
}

// AllUsers returns every registry row, oldest claim first.
func (s *Store) AllUsers(ctx context.Context) ([]schema.User, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.put(conn)

	var users []schema.User
	err = sqlitex.Execute(conn,
		`SELECT username, identityHash, publicKey, createdAt, updatedAt
		 FROM users ORDER BY createdAt ASC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				users = append(users, scanUser(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: read users: %w", err)
	}
	return users, nil
}
