package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/cleaker-dev/cleaker-ledger/internal/store"
	"github.com/cleaker-dev/cleaker-ledger/pkg/schema"
)

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := store.Open(store.Config{Path: "file::memory:?mode=memory&cache=shared", PoolSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewRouter(NewHandler(s, nil))
}

// do performs one request against the router with an explicit Host
// header, which drives namespace derivation.
func do(t *testing.T, r *gin.Engine, method, host, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Host = host
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestBootstrap(t *testing.T) {
	r := testRouter(t)
	w := do(t, r, http.MethodGet, "alice.cleaker.me", "/__bootstrap", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode[schema.BootstrapResponse](t, w)
	if !resp.OK || resp.Host != "alice.cleaker.me" {
		t.Errorf("unexpected bootstrap: %+v", resp)
	}
	if resp.Namespace != "cleaker.me/users/alice" {
		t.Errorf("namespace = %q", resp.Namespace)
	}
	if resp.APIOrigin != "http://alice.cleaker.me" {
		t.Errorf("apiOrigin = %q", resp.APIOrigin)
	}
}

func TestAppendAndScopedRead(t *testing.T) {
	r := testRouter(t)

	w := do(t, r, http.MethodPost, "alice.cleaker.me", "/", map[string]any{
		"expression":   "profile.displayName",
		"value":        "Alice",
		"identityHash": "id-a",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("append status = %d, body %s", w.Code, w.Body.String())
	}
	appended := decode[schema.AppendResponse](t, w)
	if !appended.OK || appended.BlockID == "" || appended.Timestamp == 0 {
		t.Fatalf("unexpected append response: %+v", appended)
	}

	// The writer's namespace sees the block.
	feed := decode[schema.BlocksResponse](t, do(t, r, http.MethodGet, "alice.cleaker.me", "/", nil))
	if feed.Count != 1 || feed.Namespace != "cleaker.me/users/alice" {
		t.Fatalf("writer feed: %+v", feed)
	}
	if feed.Blocks[0].Expression != "profile.displayName" || feed.Blocks[0].IdentityHash != "id-a" {
		t.Errorf("lifted columns wrong: %+v", feed.Blocks[0])
	}

	// The root host aggregates its descendant namespaces.
	root := decode[schema.BlocksResponse](t, do(t, r, http.MethodGet, "cleaker.me", "/", nil))
	if root.Count != 1 {
		t.Errorf("root feed count = %d, want 1", root.Count)
	}

	// A sibling user sees nothing.
	bob := decode[schema.BlocksResponse](t, do(t, r, http.MethodGet, "bob.cleaker.me", "/", nil))
	if bob.Count != 0 {
		t.Errorf("sibling feed count = %d, want 0", bob.Count)
	}
}

func TestAppendRejectsNonObjectBody(t *testing.T) {
	r := testRouter(t)
	for _, body := range []any{[]int{1, 2, 3}, "a string", nil} {
		w := do(t, r, http.MethodPost, "cleaker.me", "/", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %v: status = %d, want 400", body, w.Code)
		}
	}
}

func TestReadFilters(t *testing.T) {
	r := testRouter(t)
	for _, b := range []map[string]any{
		{"expression": "a", "identityHash": "id-a"},
		{"expression": "b", "identityHash": "id-b"},
		{"expression": "c", "identityHash": "id-a"},
	} {
		if w := do(t, r, http.MethodPost, "cleaker.me", "/", b); w.Code != http.StatusOK {
			t.Fatalf("append: %d %s", w.Code, w.Body.String())
		}
	}

	byIdentity := decode[schema.BlocksResponse](t, do(t, r, http.MethodGet, "cleaker.me", "/blocks?identityHash=id-a", nil))
	if byIdentity.Count != 2 {
		t.Errorf("identityHash filter count = %d, want 2", byIdentity.Count)
	}

	limited := decode[schema.BlocksResponse](t, do(t, r, http.MethodGet, "cleaker.me", "/blocks?limit=1", nil))
	if limited.Count != 1 {
		t.Fatalf("limit=1 count = %d", limited.Count)
	}
	// Newest first: the last append wins the top slot.
	if limited.Blocks[0].Expression != "c" {
		t.Errorf("newest block = %q, want c", limited.Blocks[0].Expression)
	}

	// A garbage limit falls back to the default instead of erroring.
	fallback := decode[schema.BlocksResponse](t, do(t, r, http.MethodGet, "cleaker.me", "/blocks?limit=banana", nil))
	if fallback.Count != 3 {
		t.Errorf("garbage limit count = %d, want 3", fallback.Count)
	}
}

func TestLens(t *testing.T) {
	r := testRouter(t)
	feed := decode[schema.BlocksResponse](t, do(t, r, http.MethodGet, "cleaker.me", "/?me=1", nil))
	if feed.Lens != "me" {
		t.Errorf("lens = %q, want me", feed.Lens)
	}
	feed = decode[schema.BlocksResponse](t, do(t, r, http.MethodGet, "cleaker.me", "/?view=graph", nil))
	if feed.Lens != "graph" {
		t.Errorf("lens = %q, want graph", feed.Lens)
	}
	feed = decode[schema.BlocksResponse](t, do(t, r, http.MethodGet, "cleaker.me", "/", nil))
	if feed.Lens != "raw" {
		t.Errorf("lens = %q, want raw", feed.Lens)
	}
}

func TestSelectorFeed(t *testing.T) {
	r := testRouter(t)
	if w := do(t, r, http.MethodPost, "alice.cleaker.me", "/", map[string]any{"expression": "x", "value": 1}); w.Code != http.StatusOK {
		t.Fatalf("append: %d", w.Code)
	}

	// Path addressing reaches the same namespace as the subdomain.
	w := do(t, r, http.MethodGet, "cleaker.me", "/@alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("selector feed status = %d, body %s", w.Code, w.Body.String())
	}
	feed := decode[schema.BlocksResponse](t, w)
	if feed.Namespace != "cleaker.me/users/alice" || feed.Count != 1 {
		t.Errorf("selector feed: %+v", feed)
	}
	if len(feed.Users) != 0 {
		t.Errorf("selector feed must not include the user list")
	}
}

func TestPathResolution(t *testing.T) {
	r := testRouter(t)
	if w := do(t, r, http.MethodPost, "alice.cleaker.me", "/", map[string]any{
		"expression": "profile.displayName", "value": "Alice",
	}); w.Code != http.StatusOK {
		t.Fatalf("append: %d", w.Code)
	}

	// Host-addressed resolution.
	w := do(t, r, http.MethodGet, "alice.cleaker.me", "/profile/displayName", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, body %s", w.Code, w.Body.String())
	}
	resolved := decode[schema.ResolveResponse](t, w)
	if resolved.Value != "Alice" || resolved.Path != "profile.displayName" {
		t.Errorf("resolve: %+v", resolved)
	}

	// Selector-addressed resolution strips the selector from the path.
	w = do(t, r, http.MethodGet, "cleaker.me", "/@alice/profile/displayName", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("selector resolve status = %d, body %s", w.Code, w.Body.String())
	}
	resolved = decode[schema.ResolveResponse](t, w)
	if resolved.Value != "Alice" || resolved.Namespace != "cleaker.me/users/alice" {
		t.Errorf("selector resolve: %+v", resolved)
	}

	// Absence is 404 with addressing context.
	w = do(t, r, http.MethodGet, "alice.cleaker.me", "/profile/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing path status = %d", w.Code)
	}
	errResp := decode[schema.ErrorResponse](t, w)
	if errResp.Error != "PATH_NOT_FOUND" || errResp.Namespace == "" || errResp.Path != "profile.missing" {
		t.Errorf("missing path: %+v", errResp)
	}
}

func TestCatchAllRejectsNonGet(t *testing.T) {
	r := testRouter(t)
	w := do(t, r, http.MethodPost, "cleaker.me", "/no/such/route", map[string]any{})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if resp := decode[schema.ErrorResponse](t, w); resp.Error != "NOT_FOUND" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestClaimUserEndpoint(t *testing.T) {
	r := testRouter(t)

	w := do(t, r, http.MethodPost, "cleaker.me", "/users", map[string]any{
		"username": "Alice", "identityHash": "id-a", "publicKey": "pk-a",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("claim status = %d, body %s", w.Code, w.Body.String())
	}
	claimed := decode[schema.ClaimResponse](t, w)
	if claimed.Username != "alice" {
		t.Errorf("username = %q, want normalized alice", claimed.Username)
	}

	w = do(t, r, http.MethodPost, "cleaker.me", "/users", map[string]any{
		"username": "alice", "identityHash": "id-b", "publicKey": "pk-b",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("second claim status = %d", w.Code)
	}
	if resp := decode[schema.ErrorResponse](t, w); resp.Error != "USERNAME_TAKEN" {
		t.Errorf("error = %q", resp.Error)
	}

	for _, tc := range []struct {
		body map[string]any
		code string
	}{
		{map[string]any{"identityHash": "id", "publicKey": "pk"}, "USERNAME_REQUIRED"},
		{map[string]any{"username": "bob", "publicKey": "pk"}, "IDENTITY_HASH_REQUIRED"},
		{map[string]any{"username": "bob", "identityHash": "id"}, "PUBLIC_KEY_REQUIRED"},
	} {
		w := do(t, r, http.MethodPost, "cleaker.me", "/users", tc.body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", tc.code, w.Code)
			continue
		}
		if resp := decode[schema.ErrorResponse](t, w); resp.Error != tc.code {
			t.Errorf("error = %q, want %q", resp.Error, tc.code)
		}
	}

	w = do(t, r, http.MethodGet, "cleaker.me", "/users/ALICE", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get user status = %d", w.Code)
	}
	user := decode[schema.UserResponse](t, w)
	if user.User.Username != "alice" || user.User.IdentityHash != "id-a" {
		t.Errorf("user = %+v", user.User)
	}

	w = do(t, r, http.MethodGet, "cleaker.me", "/users/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown user status = %d", w.Code)
	}
}

func TestUserBlockCount(t *testing.T) {
	r := testRouter(t)
	do(t, r, http.MethodPost, "cleaker.me", "/users", map[string]any{
		"username": "alice", "identityHash": "id-a", "publicKey": "pk",
	})
	do(t, r, http.MethodPost, "alice.cleaker.me", "/", map[string]any{"expression": "x", "identityHash": "id-a"})
	do(t, r, http.MethodPost, "alice.cleaker.me", "/", map[string]any{"expression": "y", "identityHash": "id-a"})

	user := decode[schema.UserResponse](t, do(t, r, http.MethodGet, "cleaker.me", "/users/alice", nil))
	if user.BlockCount != 2 {
		t.Errorf("blockCount = %d, want 2", user.BlockCount)
	}
}

func claimTestUser(t *testing.T, r *gin.Engine, username, identityHash string) {
	t.Helper()
	w := do(t, r, http.MethodPost, "cleaker.me", "/users", map[string]any{
		"username": username, "identityHash": identityHash, "publicKey": "pk-" + username,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("claim %s: %d %s", username, w.Code, w.Body.String())
	}
}

func vector8(lead float64) []float64 {
	v := make([]float64, 8)
	v[0] = lead
	return v
}

func TestEnrollAndMatch(t *testing.T) {
	r := testRouter(t)
	claimTestUser(t, r, "alice", "id-a")

	w := do(t, r, http.MethodPost, "cleaker.me", "/faces/enroll", map[string]any{
		"username": "alice", "template": vector8(1),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("enroll status = %d, body %s", w.Code, w.Body.String())
	}
	enrolled := decode[schema.EnrollResponse](t, w)
	if !enrolled.Enrolled || enrolled.Status != "OK" {
		t.Fatalf("enroll: %+v", enrolled)
	}

	w = do(t, r, http.MethodPost, "cleaker.me", "/faces/match", map[string]any{
		"username": "alice", "template": vector8(1),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("match status = %d, body %s", w.Code, w.Body.String())
	}
	matched := decode[schema.MatchResponse](t, w)
	if !matched.Match || matched.Status != "OK" || matched.Candidates != 1 {
		t.Errorf("match: %+v", matched)
	}
	if matched.Score < 0.999 || matched.Dims != 8 {
		t.Errorf("score=%v dims=%d", matched.Score, matched.Dims)
	}

	// An orthogonal probe stays under the default threshold.
	probe := make([]float64, 8)
	probe[1] = 1
	miss := decode[schema.MatchResponse](t, do(t, r, http.MethodPost, "cleaker.me", "/faces/match", map[string]any{
		"username": "alice", "template": probe,
	}))
	if miss.Match {
		t.Errorf("orthogonal probe matched: %+v", miss)
	}
}

func TestEnrollValidation(t *testing.T) {
	r := testRouter(t)
	claimTestUser(t, r, "alice", "id-a")

	// Unknown user is a business outcome, not a transport error.
	w := do(t, r, http.MethodPost, "cleaker.me", "/faces/enroll", map[string]any{
		"username": "ghost", "template": vector8(1),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("unknown user status = %d", w.Code)
	}
	resp := decode[schema.EnrollResponse](t, w)
	if resp.Enrolled || resp.Status != "USER_NOT_FOUND" {
		t.Errorf("unknown user: %+v", resp)
	}

	w = do(t, r, http.MethodPost, "cleaker.me", "/faces/enroll", map[string]any{
		"username": "alice", "template": []float64{1, 2, 3},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("short vector status = %d", w.Code)
	}
	if e := decode[schema.ErrorResponse](t, w); e.Error != "INVALID_TEMPLATE_VECTOR" {
		t.Errorf("error = %q", e.Error)
	}

	w = do(t, r, http.MethodPost, "cleaker.me", "/faces/enroll", map[string]any{
		"username": "alice",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing template status = %d", w.Code)
	}
}

func TestEnrollCrossIdentityConflict(t *testing.T) {
	r := testRouter(t)
	claimTestUser(t, r, "alice", "id-a")
	claimTestUser(t, r, "bob", "id-b")

	if w := do(t, r, http.MethodPost, "cleaker.me", "/faces/enroll", map[string]any{
		"username": "alice", "template": vector8(1),
	}); w.Code != http.StatusOK {
		t.Fatalf("enroll alice: %d", w.Code)
	}

	// Bob offering the identical template collides on the content hash.
	w := do(t, r, http.MethodPost, "cleaker.me", "/faces/enroll", map[string]any{
		"username": "bob", "template": vector8(1),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("conflict status = %d, body %s", w.Code, w.Body.String())
	}
	if e := decode[schema.ErrorResponse](t, w); e.Error != "FACE_ALREADY_CLAIMED" {
		t.Errorf("error = %q", e.Error)
	}
}

func TestMatchBusinessOutcomes(t *testing.T) {
	r := testRouter(t)
	claimTestUser(t, r, "alice", "id-a")

	w := do(t, r, http.MethodPost, "cleaker.me", "/faces/match", map[string]any{
		"username": "ghost", "template": vector8(1),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("unknown user status = %d", w.Code)
	}
	if resp := decode[schema.MatchResponse](t, w); resp.Match || resp.Status != "USER_NOT_FOUND" {
		t.Errorf("unknown user: %+v", resp)
	}

	w = do(t, r, http.MethodPost, "cleaker.me", "/faces/match", map[string]any{
		"username": "alice", "template": vector8(1),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("unenrolled status = %d", w.Code)
	}
	if resp := decode[schema.MatchResponse](t, w); resp.Match || resp.Status != "FACE_NOT_ENROLLED" {
		t.Errorf("unenrolled: %+v", resp)
	}
}

func TestMatchDimsMismatch(t *testing.T) {
	r := testRouter(t)
	claimTestUser(t, r, "alice", "id-a")
	if w := do(t, r, http.MethodPost, "cleaker.me", "/faces/enroll", map[string]any{
		"username": "alice", "template": vector8(1),
	}); w.Code != http.StatusOK {
		t.Fatalf("enroll: %d", w.Code)
	}

	probe := make([]float64, 16)
	probe[0] = 1
	resp := decode[schema.MatchResponse](t, do(t, r, http.MethodPost, "cleaker.me", "/faces/match", map[string]any{
		"username": "alice", "template": probe,
	}))
	if resp.Match || resp.Candidates != 0 {
		t.Errorf("mismatched dims: %+v", resp)
	}
}

func TestMatchCustomThreshold(t *testing.T) {
	r := testRouter(t)
	claimTestUser(t, r, "alice", "id-a")
	if w := do(t, r, http.MethodPost, "cleaker.me", "/faces/enroll", map[string]any{
		"username": "alice", "template": []float64{1, 0, 0, 0, 0, 0, 0, 0},
	}); w.Code != http.StatusOK {
		t.Fatalf("enroll: %d", w.Code)
	}

	// cos([3,4,...],[1,0,...]) = 0.6: below default, above a lax threshold.
	probe := []float64{3, 4, 0, 0, 0, 0, 0, 0}
	strict := decode[schema.MatchResponse](t, do(t, r, http.MethodPost, "cleaker.me", "/faces/match", map[string]any{
		"username": "alice", "template": probe,
	}))
	if strict.Match {
		t.Errorf("default threshold should reject: %+v", strict)
	}
	lax := decode[schema.MatchResponse](t, do(t, r, http.MethodPost, "cleaker.me", "/faces/match", map[string]any{
		"username": "alice", "template": probe, "threshold": 0.5,
	}))
	if !lax.Match || lax.Threshold != 0.5 {
		t.Errorf("threshold 0.5 should accept: %+v", lax)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := testRouter(t)
	w := do(t, r, http.MethodOptions, "cleaker.me", "/", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
}
