package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cleaker-dev/cleaker-ledger/internal/namespace"
	"github.com/cleaker-dev/cleaker-ledger/internal/semantic"
	"github.com/cleaker-dev/cleaker-ledger/internal/store"
	"github.com/cleaker-dev/cleaker-ledger/pkg/schema"
)

const (
	limitDefault = 5000
	limitMax     = 5000
)

func (h *Handler) effectiveHost(c *gin.Context) string {
	host := namespace.EffectiveHost(c.Request.Host, c.GetHeader("X-Forwarded-Host"))
	if host == "" {
		return namespace.Unknown
	}
	return host
}

func (h *Handler) namespace(c *gin.Context) string {
	return namespace.Resolve(c.Request.Host, c.GetHeader("X-Forwarded-Host"), c.Request.URL.Path)
}

func (h *Handler) lens(c *gin.Context) string {
	return namespace.Lens(c.Request.URL.Query())
}

// Bootstrap returns addressing hints for clients; no ledger access.
func (h *Handler) Bootstrap(c *gin.Context) {
	host := h.effectiveHost(c)
	scheme := c.GetHeader("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
	}
	c.JSON(http.StatusOK, schema.BootstrapResponse{
		OK:        true,
		Host:      host,
		Namespace: h.namespace(c),
		APIOrigin: scheme + "://" + host,
	})
}

// Append accepts any JSON object and appends it to the ledger under
// the request-derived namespace. Recognized fields identityHash and
// expression are lifted into block columns; the payload itself is
// stored serialized, verbatim.
func (h *Handler) Append(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil || body == nil {
		c.JSON(http.StatusBadRequest, schema.ErrorResponse{Error: "Expected JSON block in request body"})
		return
	}

	raw, err := json.Marshal(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, schema.ErrorResponse{Error: "Expected JSON block in request body"})
		return
	}

	block := schema.Block{
		BlockID:      uuid.NewString(),
		Timestamp:    time.Now().UnixMilli(),
		Namespace:    h.namespace(c),
		IdentityHash: stringField(body, "identityHash"),
		Expression:   stringField(body, "expression"),
		JSON:         string(raw),
	}

	if err := h.Store.AppendBlock(c.Request.Context(), block); err != nil {
		h.Logger.Error("append failed", "error", err)
		c.JSON(http.StatusInternalServerError, schema.ErrorResponse{Error: "APPEND_FAILED"})
		return
	}

	h.Logger.Info("block appended",
		"blockId", block.BlockID,
		"namespace", block.Namespace,
		"expression", block.Expression,
	)
	c.JSON(http.StatusOK, schema.AppendResponse{OK: true, BlockID: block.BlockID, Timestamp: block.Timestamp})
}

// ReadRoot serves GET /: the namespace's aggregate feed plus the full
// user list.
func (h *Handler) ReadRoot(c *gin.Context) {
	h.readFeed(c, true)
}

// ReadBlocks serves GET /blocks: same semantics as GET /, clearer name.
func (h *Handler) ReadBlocks(c *gin.Context) {
	h.readFeed(c, false)
}

func (h *Handler) readFeed(c *gin.Context, includeUsers bool) {
	ns := h.namespace(c)

	blocks, err := h.queryBlocks(c, ns)
	if err != nil {
		h.Logger.Error("read failed", "namespace", ns, "error", err)
		c.JSON(http.StatusInternalServerError, schema.ErrorResponse{Error: "READ_FAILED"})
		return
	}

	resp := schema.BlocksResponse{
		OK:        true,
		Namespace: ns,
		Lens:      h.lens(c),
		Blocks:    blocks,
		Count:     len(blocks),
	}
	if includeUsers {
		users, err := h.Store.AllUsers(c.Request.Context())
		if err != nil {
			h.Logger.Error("read users failed", "error", err)
			c.JSON(http.StatusInternalServerError, schema.ErrorResponse{Error: "READ_FAILED"})
			return
		}
		resp.Users = users
	}
	c.JSON(http.StatusOK, resp)
}

// queryBlocks applies the read-path pipeline: namespace prefix
// filter, optional exact identityHash filter, newest-first sort, then
// limit truncation.
func (h *Handler) queryBlocks(c *gin.Context, ns string) ([]schema.Block, error) {
	all, err := h.Store.AllBlocks(c.Request.Context())
	if err != nil {
		return nil, err
	}

	blocks := store.FilterByNamespace(all, ns)

	if identityHash := strings.TrimSpace(c.Query("identityHash")); identityHash != "" {
		var filtered []schema.Block
		for _, b := range blocks {
			if b.IdentityHash == identityHash {
				filtered = append(filtered, b)
			}
		}
		blocks = filtered
	}

	// Newest first. Reverse before the stable sort so equal
	// timestamps order by insertion recency.
	ordered := make([]schema.Block, len(blocks))
	copy(ordered, blocks)
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp > ordered[j].Timestamp
	})

	limit := parseLimit(c.Query("limit"))
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered, nil
}

func parseLimit(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return limitDefault
	}
	if n < 1 {
		return 1
	}
	if n > limitMax {
		return limitMax
	}
	return n
}

// ClaimUser claims a username on this host's ledger.
func (h *Handler) ClaimUser(c *gin.Context) {
	var req struct {
		Username     string `json:"username"`
		IdentityHash string `json:"identityHash"`
		PublicKey    string `json:"publicKey"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, schema.ErrorResponse{Error: "USERNAME_REQUIRED"})
		return
	}

	username := store.NormalizeUsername(req.Username)
	identityHash := strings.TrimSpace(req.IdentityHash)
	publicKey := strings.TrimSpace(req.PublicKey)

	switch {
	case username == "":
		c.JSON(http.StatusBadRequest, schema.ErrorResponse{Error: "USERNAME_REQUIRED"})
		return
	case identityHash == "":
		c.JSON(http.StatusBadRequest, schema.ErrorResponse{Error: "IDENTITY_HASH_REQUIRED"})
		return
	case publicKey == "":
		c.JSON(http.StatusBadRequest, schema.ErrorResponse{Error: "PUBLIC_KEY_REQUIRED"})
		return
	}

	if _, err := h.Store.ClaimUser(c.Request.Context(), username, identityHash, publicKey); err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, schema.ErrorResponse{Error: "USERNAME_TAKEN"})
			return
		}
		h.Logger.Error("claim failed", "username", username, "error", err)
		c.JSON(http.StatusInternalServerError, schema.ErrorResponse{Error: "CLAIM_FAILED"})
		return
	}

	c.JSON(http.StatusOK, schema.ClaimResponse{OK: true, Username: username})
}

// GetUser looks up a single claimed username.
func (h *Handler) GetUser(c *gin.Context) {
	username := store.NormalizeUsername(c.Param("username"))
	if username == "" {
		c.JSON(http.StatusBadRequest, schema.ErrorResponse{Error: "USERNAME_REQUIRED"})
		return
	}

	user, err := h.Store.GetUser(c.Request.Context(), username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, schema.ErrorResponse{Error: "USER_NOT_FOUND"})
			return
		}
		h.Logger.Error("user lookup failed", "username", username, "error", err)
		c.JSON(http.StatusInternalServerError, schema.ErrorResponse{Error: "LOOKUP_FAILED"})
		return
	}

	count, err := h.Store.CountBlocksForIdentity(c.Request.Context(), user.IdentityHash)
	if err != nil {
		h.Logger.Error("block count failed", "username", username, "error", err)
		c.JSON(http.StatusInternalServerError, schema.ErrorResponse{Error: "LOOKUP_FAILED"})
		return
	}

	c.JSON(http.StatusOK, schema.UserResponse{OK: true, User: user, BlockCount: count})
}

// CatchAll handles every unrouted GET. A path made solely of identity
// selectors (/@user, /@a+b, /@a/@b) is an aggregate read addressed by
// path instead of host; anything else is semantic path resolution
// with leading selectors stripped.
func (h *Handler) CatchAll(c *gin.Context) {
	if c.Request.Method != http.MethodGet {
		c.JSON(http.StatusNotFound, schema.ErrorResponse{Error: "NOT_FOUND"})
		return
	}

	rawPath := c.Request.URL.Path
	trimmed := strings.Trim(rawPath, "/")
	if trimmed == "" {
		c.JSON(http.StatusNotFound, schema.ErrorResponse{Error: "NOT_FOUND"})
		return
	}

	dotPath := semantic.DotPath(rawPath)

	if strings.HasPrefix(trimmed, "@") && dotPath == "" {
		h.readFeed(c, false)
		return
	}
	if dotPath == "" {
		c.JSON(http.StatusNotFound, schema.ErrorResponse{Error: "NOT_FOUND"})
		return
	}

	ns := h.namespace(c)
	value, err := h.Resolver.ResolvePath(c.Request.Context(), ns, dotPath)
	if err != nil {
		if errors.Is(err, semantic.ErrPathNotFound) {
			c.JSON(http.StatusNotFound, schema.ErrorResponse{Error: "PATH_NOT_FOUND", Namespace: ns, Path: dotPath})
			return
		}
		h.Logger.Error("path resolution failed", "namespace", ns, "path", dotPath, "error", err)
		c.JSON(http.StatusInternalServerError, schema.ErrorResponse{Error: "RESOLVE_FAILED"})
		return
	}

	c.JSON(http.StatusOK, schema.ResolveResponse{OK: true, Namespace: ns, Path: dotPath, Value: value})
}

func stringField(obj map[string]any, key string) string {
	if s, ok := obj[key].(string); ok {
		return s
	}
	return ""
}
