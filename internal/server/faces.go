package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cleaker-dev/cleaker-ledger/internal/face"
	"github.com/cleaker-dev/cleaker-ledger/internal/store"
	"github.com/cleaker-dev/cleaker-ledger/internal/vault"
	"github.com/cleaker-dev/cleaker-ledger/pkg/schema"
)

const defaultAlgo = "mediapipe.face_landmarker"

// templateInput is the accepted shape of the template field: either a
// raw numeric vector or an object wrapping the vector with metadata.
type templateInput struct {
	vector  []float64
	algo    string
	version string
	dims    int
	faceID  string
}

// parseTemplateInput coerces the template field of an enroll/match
// body. Returns false when no usable vector is present.
func parseTemplateInput(raw any) (templateInput, bool) {
	switch v := raw.(type) {
	case []any:
		vec, ok := toVector(v)
		return templateInput{vector: vec}, ok
	case map[string]any:
		inner, ok := v["template"].([]any)
		if !ok {
			return templateInput{}, false
		}
		vec, ok := toVector(inner)
		if !ok {
			return templateInput{}, false
		}
		in := templateInput{vector: vec}
		if s, ok := v["algo"].(string); ok {
			in.algo = strings.TrimSpace(s)
		}
		if s, ok := v["version"].(string); ok {
			in.version = strings.TrimSpace(s)
		}
		if s, ok := v["faceId"].(string); ok {
			in.faceID = strings.TrimSpace(s)
		}
		if d, ok := v["dims"].(float64); ok && d > 0 {
			in.dims = int(d)
		}
		return in, true
	}
	return templateInput{}, false
}

func toVector(raw []any) ([]float64, bool) {
	vec := make([]float64, 0, len(raw))
	for _, n := range raw {
		f, ok := n.(float64)
		if !ok {
			return nil, false
		}
		vec = append(vec, f)
	}
	return vec, true
}

// EnrollFace stores a face template for a claimed username. The
// template is keyed by the user's canonical identity hash, not the
// raw username. An unknown username is a non-fatal outcome, not a
// transport error.
func (h *Handler) EnrollFace(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Template any    `json:"template"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, schema.ErrorResponse{Error: "USERNAME_REQUIRED"})
		return
	}

	username := store.NormalizeUsername(req.Username)
	if username == "" {
		c.JSON(http.StatusBadRequest, schema.ErrorResponse{Error: "USERNAME_REQUIRED"})
		return
	}
	if req.Template == nil {
		c.JSON(http.StatusBadRequest, schema.ErrorResponse{Error: "TEMPLATE_REQUIRED"})
		return
	}

	in, ok := parseTemplateInput(req.Template)
	if !ok || !face.ValidTemplate(in.vector) {
		c.JSON(http.StatusBadRequest, schema.ErrorResponse{Error: "INVALID_TEMPLATE_VECTOR"})
		return
	}

	user, err := h.Store.GetUser(c.Request.Context(), username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusOK, schema.EnrollResponse{OK: true, Enrolled: false, Status: "USER_NOT_FOUND"})
			return
		}
		h.Logger.Error("enroll lookup failed", "username", username, "error", err)
		c.JSON(http.StatusInternalServerError, schema.ErrorResponse{Error: "FACE_ENROLL_FAILED"})
		return
	}

	algo := in.algo
	if algo == "" {
		algo = defaultAlgo
	}
	dims := in.dims
	if dims <= 0 {
		dims = len(in.vector)
	}

	payload := schema.FacePayload{
		Algo:     algo,
		Version:  in.version,
		Dims:     dims,
		Template: in.vector,
	}
	stored, err := json.Marshal(payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, schema.ErrorResponse{Error: "FACE_ENROLL_FAILED"})
		return
	}

	templateHash := vault.ContentHash(stored)
	faceID := in.faceID
	if faceID == "" {
		faceID = vault.DeriveFaceID(user.IdentityHash, templateHash)
	}

	_, err = h.Store.UpsertFace(c.Request.Context(), store.Face{
		FaceID:       faceID,
		IdentityHash: strings.TrimSpace(user.IdentityHash),
		TemplateHash: templateHash,
		Template:     string(stored),
		Algo:         algo,
		Dims:         dims,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrFaceClaimed):
			c.JSON(http.StatusConflict, schema.ErrorResponse{Error: "FACE_ALREADY_CLAIMED"})
		case errors.Is(err, store.ErrFaceOwnedByOther):
			c.JSON(http.StatusConflict, schema.ErrorResponse{Error: "FACE_ID_OWNED_BY_OTHER_IDENTITY"})
		default:
			h.Logger.Error("enroll failed", "username", username, "error", err)
			c.JSON(http.StatusInternalServerError, schema.ErrorResponse{Error: "FACE_ENROLL_FAILED"})
		}
		return
	}

	c.JSON(http.StatusOK, schema.EnrollResponse{OK: true, Status: "OK", Enrolled: true, Username: username})
}

// MatchFace scores a probe template against the username's enrolled
// template. Unknown user and unenrolled face are business outcomes
// carried in a 200 status discriminator; a corrupt stored template is
// a 500.
func (h *Handler) MatchFace(c *gin.Context) {
	var req struct {
		Username  string   `json:"username"`
		Template  any      `json:"template"`
		Threshold *float64 `json:"threshold"`
		Version   string   `json:"version"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, schema.ErrorResponse{Error: "USERNAME_REQUIRED"})
		return
	}

	username := store.NormalizeUsername(req.Username)
	if username == "" {
		c.JSON(http.StatusBadRequest, schema.ErrorResponse{Error: "USERNAME_REQUIRED"})
		return
	}

	in, ok := parseTemplateInput(req.Template)
	if !ok || !face.ValidTemplate(in.vector) {
		c.JSON(http.StatusBadRequest, schema.ErrorResponse{Error: "INVALID_TEMPLATE_VECTOR"})
		return
	}

	user, err := h.Store.GetUser(c.Request.Context(), username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusOK, schema.MatchResponse{OK: true, Match: false, Status: "USER_NOT_FOUND"})
			return
		}
		h.Logger.Error("match lookup failed", "username", username, "error", err)
		c.JSON(http.StatusInternalServerError, schema.ErrorResponse{Error: "FACE_MATCH_FAILED"})
		return
	}

	row, err := h.Store.FaceForIdentity(c.Request.Context(), strings.TrimSpace(user.IdentityHash))
	if err != nil {
		if errors.Is(err, store.ErrFaceNotFound) {
			c.JSON(http.StatusOK, schema.MatchResponse{OK: true, Match: false, Status: "FACE_NOT_ENROLLED"})
			return
		}
		h.Logger.Error("match read failed", "username", username, "error", err)
		c.JSON(http.StatusInternalServerError, schema.ErrorResponse{Error: "FACE_MATCH_FAILED"})
		return
	}

	var payload schema.FacePayload
	if err := json.Unmarshal([]byte(row.Template), &payload); err != nil || len(payload.Template) < face.MinTemplateLen {
		c.JSON(http.StatusInternalServerError, schema.ErrorResponse{Error: "STORED_TEMPLATE_CORRUPT"})
		return
	}

	candidateID := row.FaceID
	if candidateID == "" {
		candidateID = "enrolled"
	}
	candidates := []face.Candidate{{
		ID:           candidateID,
		IdentityHash: row.IdentityHash,
		Template:     payload.Template,
		Version:      payload.Version,
	}}

	threshold := face.DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	result := face.Match(in.vector, candidates, face.Options{
		Threshold: threshold,
		Version:   strings.TrimSpace(req.Version),
	})

	resp := schema.MatchResponse{
		OK:         true,
		Status:     "OK",
		Match:      result.Match,
		Threshold:  result.Threshold,
		Candidates: result.Candidates,
		Dims:       len(payload.Template),
		Algo:       payload.Algo,
		Version:    payload.Version,
	}
	if result.Best != nil {
		resp.Best = &schema.MatchBest{
			ID:           result.Best.ID,
			IdentityHash: result.Best.IdentityHash,
			Score:        result.Best.Score,
		}
		resp.Score = result.Best.Score
	}
	c.JSON(http.StatusOK, resp)
}
