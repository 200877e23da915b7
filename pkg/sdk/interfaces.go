package sdk

import (
	"context"
	"errors"

	"github.com/cleaker-dev/cleaker-ledger/pkg/schema"
)

var (
	// ErrPathNotFound is returned when a semantic path has no value.
	ErrPathNotFound = errors.New("path not found")
	// ErrUserNotFound is returned when a username has not been claimed.
	ErrUserNotFound = errors.New("user not found")
	// ErrUsernameTaken is returned when claiming an already-claimed username.
	ErrUsernameTaken = errors.New("username taken")
)

// BlockQuery narrows an aggregate read.
type BlockQuery struct {
	Limit        int    // 1..5000, 0 means server default
	IdentityHash string // exact filter
	Selector     string // optional path selector, e.g. "@alice" or "@a+b"
}

// --- Functional Interfaces (Interface Segregation) ---

// LedgerWriter appends blocks to the ledger.
type LedgerWriter interface {
	Append(ctx context.Context, payload map[string]any) (schema.AppendResponse, error)
}

// LedgerReader reads the aggregate feed and resolves semantic paths.
type LedgerReader interface {
	Blocks(ctx context.Context, q BlockQuery) (schema.BlocksResponse, error)
	Resolve(ctx context.Context, path string) (any, error)
}

// IdentityRegistry claims and looks up usernames.
type IdentityRegistry interface {
	ClaimUser(ctx context.Context, username, identityHash, publicKey string) error
	GetUser(ctx context.Context, username string) (schema.UserResponse, error)
}

// FaceRegistry enrolls and matches face templates.
type FaceRegistry interface {
	EnrollFace(ctx context.Context, username string, template any) (schema.EnrollResponse, error)
	MatchFace(ctx context.Context, username string, probe []float64, threshold *float64, version string) (schema.MatchResponse, error)
}

// --- Composite Interface ---

// Cleaker is the full client surface of one ledger deployment.
type Cleaker interface {
	LedgerWriter
	LedgerReader
	IdentityRegistry
	FaceRegistry

	Bootstrap(ctx context.Context) (schema.BootstrapResponse, error)
}
