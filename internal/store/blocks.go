package store

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/cleaker-dev/cleaker-ledger/pkg/schema"
)

// AppendBlock persists one new ledger entry. The write is a single
// atomic INSERT: it either fully succeeds or fails with no partial
// state. Blocks are never updated or deleted afterwards.
func (s *Store) AppendBlock(ctx context.Context, b schema.Block) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO blocks
		(blockId, timestamp, namespace, identityHash, expression, json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				b.BlockID,
				b.Timestamp,
				b.Namespace,
				b.IdentityHash,
				b.Expression,
				b.JSON,
			},
		})
	if err != nil {
		return fmt.Errorf("store: append block %s: %w", b.BlockID, err)
	}
	return nil
}

func scanBlock(stmt *sqlite.Stmt) schema.Block {
	return schema.Block{
		BlockID:      stmt.GetText("blockId"),
		Timestamp:    stmt.GetInt64("timestamp"),
		Namespace:    stmt.GetText("namespace"),
		IdentityHash: stmt.GetText("identityHash"),
		Expression:   stmt.GetText("expression"),
		JSON:         stmt.GetText("json"),
	}
}

// AllBlocks returns every block in insertion order, oldest first. The
// order is stable across reads regardless of read frequency.
func (s *Store) AllBlocks(ctx context.Context) ([]schema.Block, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.put(conn)

	var blocks []schema.Block
	err = sqlitex.Execute(conn,
		`SELECT blockId, timestamp, namespace, identityHash, expression, json
		 FROM blocks ORDER BY id ASC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blocks = append(blocks, scanBlock(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: read blocks: %w", err)
	}
	return blocks, nil
}

// BlocksForNamespace returns the blocks whose namespace matches
// exactly, in insertion order. Path resolution is namespace-exact:
// it never expands to descendant namespaces the way aggregate reads do.
func (s *Store) BlocksForNamespace(ctx context.Context, ns string) ([]schema.Block, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.put(conn)

	var blocks []schema.Block
	err = sqlitex.Execute(conn,
		`SELECT blockId, timestamp, namespace, identityHash, expression, json
		 FROM blocks WHERE namespace = ? ORDER BY id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{ns},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blocks = append(blocks, scanBlock(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: read blocks for %s: %w", ns, err)
	}
	return blocks, nil
}

// CountBlocksForIdentity counts the blocks written under an identity
// hash.
func (s *Store) CountBlocksForIdentity(ctx context.Context, identityHash string) (int64, error) {
	identityHash = strings.TrimSpace(identityHash)
	if identityHash == "" {
		return 0, nil
	}

	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.put(conn)

	var count int64
	err = sqlitex.Execute(conn,
		`SELECT COUNT(*) FROM blocks WHERE identityHash = ?`,
		&sqlitex.ExecOptions{
			Args: []any{identityHash},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: count blocks for identity: %w", err)
	}
	return count, nil
}

// FilterByNamespace returns the subsequence of blocks scoped to ns:
// an exact namespace match or any descendant (prefix ns + "/"). A
// parent namespace's view deliberately includes all child user and
// relation namespaces so a root host can serve an aggregate feed.
func FilterByNamespace(blocks []schema.Block, ns string) []schema.Block {
	if ns == "" {
		return blocks
	}
	prefix := ns
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var out []schema.Block
	for _, b := range blocks {
		if b.Namespace == ns || strings.HasPrefix(b.Namespace, prefix) {
			out = append(out, b)
		}
	}
	return out
}
