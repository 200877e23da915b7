// Package schema defines the wire types shared by the ledger daemon,
// the SDK, and the CLI.
package schema

// Block is one immutable, timestamped ledger entry. Blocks are never
// updated or deleted; the JSON column carries the original request
// payload serialized verbatim.
type Block struct {
	BlockID      string `json:"blockId"`
	Timestamp    int64  `json:"timestamp"`
	Namespace    string `json:"namespace"`
	IdentityHash string `json:"identityHash"`
	Expression   string `json:"expression"`
	JSON         string `json:"json"`
}

// User is one claimed username on this host's ledger. A username maps
// to exactly one identity hash; rows are never deleted.
type User struct {
	Username     string `json:"username"`
	IdentityHash string `json:"identityHash"`
	PublicKey    string `json:"publicKey"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// FacePayload is the stable stored form of a face template: metadata
// plus the embedding vector. It is what gets serialized into the faces
// table and hashed for dedupe.
type FacePayload struct {
	Algo     string    `json:"algo"`
	Version  string    `json:"version"`
	Dims     int       `json:"dims"`
	Template []float64 `json:"template"`
}

// AppendResponse acknowledges a ledger write.
type AppendResponse struct {
	OK        bool   `json:"ok"`
	BlockID   string `json:"blockId"`
	Timestamp int64  `json:"timestamp"`
}

// BlocksResponse is the aggregate read result for a namespace. Users
// is only populated on the root read (GET /).
type BlocksResponse struct {
	OK        bool    `json:"ok"`
	Namespace string  `json:"namespace"`
	Lens      string  `json:"lens"`
	Users     []User  `json:"users,omitempty"`
	Blocks    []Block `json:"blocks"`
	Count     int     `json:"count"`
}

// UserResponse wraps a single registry row.
type UserResponse struct {
	OK         bool  `json:"ok"`
	User       User  `json:"user"`
	BlockCount int64 `json:"blockCount"`
}

// ClaimResponse acknowledges a username claim.
type ClaimResponse struct {
	OK       bool   `json:"ok"`
	Username string `json:"username"`
}

// ResolveResponse carries a resolved semantic value.
type ResolveResponse struct {
	OK        bool   `json:"ok"`
	Namespace string `json:"namespace"`
	Path      string `json:"path"`
	Value     any    `json:"value"`
}

// BootstrapResponse gives clients enough to address this deployment.
type BootstrapResponse struct {
	OK        bool   `json:"ok"`
	Host      string `json:"host"`
	Namespace string `json:"namespace"`
	APIOrigin string `json:"apiOrigin"`
}

// EnrollResponse reports the outcome of a face template enrollment.
// Enrolled false with status USER_NOT_FOUND is a non-fatal outcome.
type EnrollResponse struct {
	OK       bool   `json:"ok"`
	Status   string `json:"status"`
	Enrolled bool   `json:"enrolled"`
	Username string `json:"username,omitempty"`
}

// MatchBest identifies the highest-scoring stored template.
type MatchBest struct {
	ID           string  `json:"id"`
	IdentityHash string  `json:"identityHash"`
	Score        float64 `json:"score"`
}

// MatchResponse is the face match outcome. USER_NOT_FOUND and
// FACE_NOT_ENROLLED are business states, not transport errors.
type MatchResponse struct {
	OK         bool       `json:"ok"`
	Status     string     `json:"status"`
	Match      bool       `json:"match"`
	Best       *MatchBest `json:"best,omitempty"`
	Score      float64    `json:"score"`
	Threshold  float64    `json:"threshold"`
	Candidates int        `json:"candidates"`
	Dims       int        `json:"dims,omitempty"`
	Algo       string     `json:"algo,omitempty"`
	Version    string     `json:"version,omitempty"`
}

// ErrorResponse is the uniform failure shape: ok false plus a
// machine-readable error code string.
type ErrorResponse struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
	Namespace string `json:"namespace,omitempty"`
	Path      string `json:"path,omitempty"`
}
