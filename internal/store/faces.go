package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var (
	// ErrFaceNotFound is returned when an identity has no enrolled template.
	ErrFaceNotFound = errors.New("face template not found")
	// ErrFaceClaimed is returned when a template's content hash is
	// already bound to a different identity.
	ErrFaceClaimed = errors.New("face template claimed by another identity")
	// ErrFaceOwnedByOther is returned when a face id belongs to a
	// different identity than the one upserting it.
	ErrFaceOwnedByOther = errors.New("face id owned by another identity")
)

// Face is one stored face template row. Template holds the serialized
// payload (metadata plus embedding vector); TemplateHash is the
// content hash used for cross-identity dedupe.
type Face struct {
	FaceID       string
	IdentityHash string
	TemplateHash string
	Template     string
	Algo         string
	Dims         int
	CreatedAt    int64
	UpdatedAt    int64
}

// UpsertOutcome reports whether an upsert created a new row or
// replaced an existing one.
type UpsertOutcome int

const (
	// FaceCreated means a new template row was inserted.
	FaceCreated UpsertOutcome = iota
	// FaceUpdated means an existing row owned by the same identity
	// was replaced.
	FaceUpdated
)

func scanFace(stmt *sqlite.Stmt) Face {
	return Face{
		FaceID:       stmt.GetText("faceId"),
		IdentityHash: stmt.GetText("identityHash"),
		TemplateHash: stmt.GetText("templateHash"),
		Template:     stmt.GetText("template"),
		Algo:         stmt.GetText("algo"),
		Dims:         int(stmt.GetInt64("dims")),
		CreatedAt:    stmt.GetInt64("createdAt"),
		UpdatedAt:    stmt.GetInt64("updatedAt"),
	}
}

// UpsertFace registers or replaces a face template. Two invariants
// are enforced: a template content hash belongs to at most one
// identity, and a face id is upsertable only by the identity that
// owns it. The ownership checks and the write run inside one
// immediate transaction so racing enrollments serialize.
func (s *Store) UpsertFace(ctx context.Context, f Face) (UpsertOutcome, error) {
	f.FaceID = strings.TrimSpace(f.FaceID)
	f.IdentityHash = strings.TrimSpace(f.IdentityHash)
	f.TemplateHash = strings.TrimSpace(f.TemplateHash)
	if f.FaceID == "" || f.IdentityHash == "" || f.TemplateHash == "" || f.Template == "" {
		return 0, fmt.Errorf("store: upsert face: missing required field")
	}
	if f.Algo == "" || f.Dims <= 0 {
		return 0, fmt.Errorf("store: upsert face: missing algo or dims")
	}

	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("store: upsert face: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var hashOwner string
	err = sqlitex.Execute(conn,
		`SELECT identityHash FROM faces WHERE templateHash = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{f.TemplateHash},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				hashOwner = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: upsert face: %w", err)
	}
	if hashOwner != "" && hashOwner != f.IdentityHash {
		return 0, ErrFaceClaimed
	}

	var idOwner string
	err = sqlitex.Execute(conn,
		`SELECT identityHash FROM faces WHERE faceId = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{f.FaceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				idOwner = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: upsert face: %w", err)
	}

	now := time.Now().UnixMilli()
	if idOwner != "" {
		if idOwner != f.IdentityHash {
			return 0, ErrFaceOwnedByOther
		}
		err = sqlitex.Execute(conn,
			`UPDATE faces SET templateHash = ?, template = ?, algo = ?, dims = ?, updatedAt = ?
			 WHERE faceId = ?`,
			&sqlitex.ExecOptions{
				Args: []any{f.TemplateHash, f.Template, f.Algo, f.Dims, now, f.FaceID},
			})
		if err != nil {
			return 0, fmt.Errorf("store: update face %s: %w", f.FaceID, err)
		}
		return FaceUpdated, nil
	}

	err = sqlitex.Execute(conn, `INSERT INTO faces
		(faceId, identityHash, templateHash, template, algo, dims, createdAt, updatedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{f.FaceID, f.IdentityHash, f.TemplateHash, f.Template, f.Algo, f.Dims, now, now},
		})
	if err != nil {
		return 0, fmt.Errorf("store: insert face %s: %w", f.FaceID, err)
	}
	return FaceCreated, nil
}

// FacesForIdentity returns every template enrolled for an identity,
// oldest first.
func (s *Store) FacesForIdentity(ctx context.Context, identityHash string) ([]Face, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.put(conn)

	var faces []Face
	err = sqlitex.Execute(conn,
		`SELECT faceId, identityHash, templateHash, template, algo, dims, createdAt, updatedAt
		 FROM faces WHERE identityHash = ? ORDER BY createdAt ASC`,
		&sqlitex.ExecOptions{
			Args: []any{strings.TrimSpace(identityHash)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				faces = append(faces, scanFace(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: read faces for identity: %w", err)
	}
	return faces, nil
}

// FaceForIdentity returns the identity's primary (oldest) template.
func (s *Store) FaceForIdentity(ctx context.Context, identityHash string) (Face, error) {
	faces, err := s.FacesForIdentity(ctx, identityHash)
	if err != nil {
		return Face{}, err
	}
	if len(faces) == 0 {
		return Face{}, ErrFaceNotFound
	}
	return faces[0], nil
}
