package semantic

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/cleaker-dev/cleaker-ledger/internal/store"
	"github.com/cleaker-dev/cleaker-ledger/pkg/schema"
)

const testNS = "cleaker.me/users/alice"

func testResolver(t *testing.T) (*Resolver, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Config{Path: "file::memory:?mode=memory&cache=shared", PoolSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewResolver(s), s
}

var blockSeq int

func appendJSON(t *testing.T, s *store.Store, ns string, ts int64, payload string) {
	t.Helper()
	blockSeq++
	err := s.AppendBlock(context.Background(), schema.Block{
		BlockID:   fmt.Sprintf("blk-%d", blockSeq),
		Timestamp: ts,
		Namespace: ns,
		JSON:      payload,
	})
	if err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
}

func TestResolveRoundTrip(t *testing.T) {
	r, s := testResolver(t)
	appendJSON(t, s, testNS, 100, `{"expression":"profile.displayName","value":"Alice"}`)

	got, err := r.ResolvePath(context.Background(), testNS, "profile.displayName")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if got != "Alice" {
		t.Errorf("got %v, want Alice", got)
	}

	// The intermediate node is reachable as a subtree.
	got, err = r.ResolvePath(context.Background(), testNS, "profile")
	if err != nil {
		t.Fatalf("ResolvePath(profile): %v", err)
	}
	want := map[string]any{"displayName": "Alice"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResolveNewestWins(t *testing.T) {
	r, s := testResolver(t)
	appendJSON(t, s, testNS, 100, `{"expression":"counter","value":1}`)
	appendJSON(t, s, testNS, 200, `{"expression":"counter","value":2}`)

	got, err := r.ResolvePath(context.Background(), testNS, "counter")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if got != float64(2) {
		t.Errorf("got %v, want 2", got)
	}
}

func TestResolveEqualTimestampsLaterInsertWins(t *testing.T) {
	r, s := testResolver(t)
	appendJSON(t, s, testNS, 500, `{"expression":"flag","value":"first"}`)
	appendJSON(t, s, testNS, 500, `{"expression":"flag","value":"second"}`)

	got, err := r.ResolvePath(context.Background(), testNS, "flag")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if got != "second" {
		t.Errorf("got %v, want second", got)
	}
}

func TestResolveNotFound(t *testing.T) {
	r, s := testResolver(t)
	appendJSON(t, s, testNS, 100, `{"expression":"profile.displayName","value":"Alice"}`)

	if _, err := r.ResolvePath(context.Background(), testNS, "profile.missing"); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("err = %v, want ErrPathNotFound", err)
	}
	if _, err := r.ResolvePath(context.Background(), testNS, ""); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("empty path: err = %v, want ErrPathNotFound", err)
	}
	// A value's own children do not exist.
	if _, err := r.ResolvePath(context.Background(), testNS, "profile.displayName.x"); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("descend through scalar: err = %v, want ErrPathNotFound", err)
	}
}

func TestResolveIsNamespaceExact(t *testing.T) {
	r, s := testResolver(t)
	appendJSON(t, s, "cleaker.me/users/alice", 100, `{"expression":"secret","value":42}`)

	// Neither the parent nor a sibling sees the value.
	if _, err := r.ResolvePath(context.Background(), "cleaker.me", "secret"); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("parent namespace: err = %v, want ErrPathNotFound", err)
	}
	if _, err := r.ResolvePath(context.Background(), "cleaker.me/users/bob", "secret"); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("sibling namespace: err = %v, want ErrPathNotFound", err)
	}
}

func TestResolveSkipsCorruptPayload(t *testing.T) {
	r, s := testResolver(t)
	appendJSON(t, s, testNS, 100, `{"expression":"status","value":"ok"}`)
	appendJSON(t, s, testNS, 200, `{not json at all`)

	got, err := r.ResolvePath(context.Background(), testNS, "status")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if got != "ok" {
		t.Errorf("corrupt newer block must be skipped, got %v", got)
	}
}

func TestResolvePayloadWithoutValue(t *testing.T) {
	r, s := testResolver(t)
	// No "value" property: the whole payload is the value.
	appendJSON(t, s, testNS, 100, `{"expression":"settings","theme":"dark"}`)

	got, err := r.ResolvePath(context.Background(), testNS, "settings.theme")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if got != "dark" {
		t.Errorf("got %v, want dark", got)
	}
}

func TestResolveExpressionFallsBackToColumn(t *testing.T) {
	r, s := testResolver(t)
	err := s.AppendBlock(context.Background(), schema.Block{
		BlockID:    "col-expr",
		Timestamp:  100,
		Namespace:  testNS,
		Expression: "note",
		JSON:       `"just a string"`,
	})
	if err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}

	got, err := r.ResolvePath(context.Background(), testNS, "note")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if got != "just a string" {
		t.Errorf("got %v, want the raw payload", got)
	}
}

func TestResolveScalarTreeCollision(t *testing.T) {
	r, s := testResolver(t)
	appendJSON(t, s, testNS, 100, `{"expression":"a.b","value":1}`)
	appendJSON(t, s, testNS, 200, `{"expression":"a","value":"scalar"}`)

	// Exact expressions stay addressable on their own.
	got, err := r.ResolvePath(context.Background(), testNS, "a")
	if err != nil || got != "scalar" {
		t.Errorf("a = %v (err %v), want scalar", got, err)
	}
	got, err = r.ResolvePath(context.Background(), testNS, "a.b")
	if err != nil || got != float64(1) {
		t.Errorf("a.b = %v (err %v), want 1", got, err)
	}
	if _, err := r.ResolvePath(context.Background(), testNS, "a.c"); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("a.c: err = %v, want ErrPathNotFound", err)
	}
}

func TestDotPath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/", ""},
		{"", ""},
		{"/profile/displayName", "profile.displayName"},
		{"/profile/displayName/", "profile.displayName"},
		{"/@alice/profile/name", "profile.name"},
		{"/@alice+bob/trust", "trust"},
		{"/@a/@b/notes/today", "notes.today"},
		{"/@alice", ""},
		{"/@a/@b", ""},
	}
	for _, tc := range cases {
		if got := DotPath(tc.in); got != tc.want {
			t.Errorf("DotPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
