// Package server wires the ledger's HTTP surface: append and
// aggregate reads, path-based selector addressing, the username
// registry, face template enrollment and matching, and catch-all
// semantic path resolution.
package server

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/cleaker-dev/cleaker-ledger/internal/semantic"
	"github.com/cleaker-dev/cleaker-ledger/internal/store"
)

// Handler holds the injected collaborators for every route. The store
// handle is constructed once at startup and passed in; handlers never
// reach for ambient global state.
type Handler struct {
	Store    *store.Store
	Resolver *semantic.Resolver
	Logger   *slog.Logger
}

// NewHandler builds a Handler over one store handle.
func NewHandler(s *store.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		Store:    s,
		Resolver: semantic.NewResolver(s),
		Logger:   logger,
	}
}

// NewRouter assembles the gin engine. Route order matters only for
// the NoRoute catch-all: everything that is not an explicit route is
// treated as selector addressing or semantic path resolution.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware(), h.requestLogger())

	r.GET("/__bootstrap", h.Bootstrap)

	r.POST("/", h.Append)
	r.GET("/", h.ReadRoot)
	r.GET("/blocks", h.ReadBlocks)

	r.POST("/users", h.ClaimUser)
	r.GET("/users/:username", h.GetUser)

	r.POST("/faces/enroll", h.EnrollFace)
	r.POST("/faces/match", h.MatchFace)

	r.NoRoute(h.CatchAll)
	return r
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// requestLogger logs transport info only, no identity semantics.
func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.Logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"host", h.effectiveHost(c),
			"namespace", h.namespace(c),
			"lens", h.lens(c),
		)
		c.Next()
	}
}
