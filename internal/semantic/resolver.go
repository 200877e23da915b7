// Package semantic folds a namespace's ledger history into a nested
// key/value document and answers dotted-path queries against it.
package semantic

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/cleaker-dev/cleaker-ledger/internal/store"
	"github.com/cleaker-dev/cleaker-ledger/pkg/schema"
)

// ErrPathNotFound is returned when a dotted path has no value in the
// namespace. Absence is an expected business outcome, distinct from
// storage failure.
var ErrPathNotFound = errors.New("path not found")

// Resolver answers semantic path queries. Every call recomputes from
// the backing store; there is no cross-request cache.
type Resolver struct {
	store *store.Store
}

// NewResolver returns a resolver over the given store handle.
func NewResolver(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// ResolvePath resolves a dotted path (e.g. "profile.displayName")
// within a namespace. Resolution is namespace-exact: unlike aggregate
// reads, descendant namespaces are not included.
//
// The fold is last-writer-wins, implemented by scanning blocks newest
// first and only inserting keys not yet set during the scan. Blocks
// with malformed stored payloads are skipped, never fatal.
func (r *Resolver) ResolvePath(ctx context.Context, namespace, dottedPath string) (any, error) {
	dottedPath = strings.TrimSpace(dottedPath)
	if dottedPath == "" {
		return nil, ErrPathNotFound
	}

	blocks, err := r.store.BlocksForNamespace(ctx, namespace)
	if err != nil {
		return nil, err
	}

	state := foldState(blocks)

	// Fast path: a block was written with exactly this expression.
	if v, ok := state[dottedPath]; ok {
		return v, nil
	}

	// Otherwise fold every expression into a nested tree and descend.
	tree := buildTree(state)
	v, ok := lookupPath(tree, dottedPath)
	if !ok {
		return nil, ErrPathNotFound
	}
	return v, nil
}

// foldState builds the flat expression -> value map, newest write
// authoritative. Blocks are scanned newest first and a key is only
// set when still missing, so older duplicates are ignored no matter
// how many exist.
func foldState(blocks []schema.Block) map[string]any {
	ordered := make([]schema.Block, len(blocks))
	copy(ordered, blocks)
	// Reverse before the stable sort so blocks sharing a timestamp
	// keep insertion recency: the later append still wins.
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp > ordered[j].Timestamp
	})

	state := make(map[string]any)
	for _, b := range ordered {
		var payload any
		if err := json.Unmarshal([]byte(b.JSON), &payload); err != nil {
			continue // corrupt stored payload, skip the record
		}
		expr := strings.TrimSpace(payloadExpression(payload, b.Expression))
		if expr == "" {
			continue
		}
		if _, ok := state[expr]; !ok {
			state[expr] = payloadValue(payload)
		}
	}
	return state
}

// payloadExpression reads the payload's own expression field, falling
// back to the block column when the payload lacks one.
func payloadExpression(payload any, fallback string) string {
	if obj, ok := payload.(map[string]any); ok {
		if s, ok := obj["expression"].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// payloadValue extracts the contributed value: an explicit "value"
// property when present, otherwise the whole payload.
func payloadValue(payload any) any {
	if obj, ok := payload.(map[string]any); ok {
		if v, present := obj["value"]; present {
			return v
		}
	}
	return payload
}

// buildTree folds flat dotted expressions into a nested document.
// Deeper values take precedence over shallower scalar collisions: an
// existing non-object value at an intermediate level is replaced with
// an empty mapping. Leaves only fill missing slots, matching the flat
// map's first-wins policy.
func buildTree(state map[string]any) map[string]any {
	tree := make(map[string]any)
	for expr, value := range state {
		setDeep(tree, expr, value)
	}
	return tree
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, ".") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func setDeep(tree map[string]any, path string, value any) {
	parts := splitPath(path)
	cur := tree
	for i, key := range parts {
		if i == len(parts)-1 {
			if _, ok := cur[key]; !ok {
				cur[key] = value
			}
			return
		}
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[key] = next
		}
		cur = next
	}
}

// lookupPath descends the tree segment by segment. A missing segment
// or a non-object hit before the final segment means not found.
func lookupPath(tree map[string]any, path string) (any, bool) {
	var cur any = tree
	for _, key := range splitPath(path) {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// DotPath converts a request URL path into its dotted semantic form,
// stripping any leading identity selector segments (@user, @a+b, or
// the two-segment @a/@b form) so addressing selectors and data paths
// can share the same URL space. Returns "" when nothing semantic
// remains.
func DotPath(urlPath string) string {
	trimmed := strings.Trim(urlPath, "/")
	if trimmed == "" {
		return ""
	}

	var segments []string
	for _, s := range strings.Split(trimmed, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) > 0 && strings.HasPrefix(segments[0], "@") {
		segments = segments[1:]
		if len(segments) > 0 && strings.HasPrefix(segments[0], "@") {
			segments = segments[1:]
		}
	}
	return strings.Join(segments, ".")
}
