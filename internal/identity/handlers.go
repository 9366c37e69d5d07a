package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aegis/internal/apperr"
	"github.com/mbd888/aegis/internal/logging"
)

// TokenHandler exchanges an API key for a short-lived bearer token.
type TokenHandler struct {
	tokens *TokenIssuer
}

func NewTokenHandler(tokens *TokenIssuer) *TokenHandler {
	return &TokenHandler{tokens: tokens}
}

// RegisterRoutes mounts POST /auth/token. The group must carry Middleware
// and RequireAuth.
func (h *TokenHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/token", h.Issue)
}

// Issue handles POST /auth/token. Only API-key callers may mint tokens so a
// token cannot extend its own lifetime.
func (h *TokenHandler) Issue(c *gin.Context) {
	if !strings.HasPrefix(credential(c), "sk_") {
		apperr.Respond(c, apperr.Unauthenticated("an API key is required to issue a token"))
		return
	}
	tc, ok := Get(c)
	if !ok {
		apperr.Respond(c, apperr.Unauthenticated("missing or invalid credential"))
		return
	}
	token, err := h.tokens.Issue(tc)
	if err != nil {
		logging.L(c.Request.Context()).Error("token issue failed", "error", err)
		apperr.Abort(c, http.StatusServiceUnavailable, apperr.CodeServiceUnavailable, "token issuing is not configured")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"tokenType": "Bearer",
		"expiresIn": int(h.tokens.ttl.Seconds()),
	})
}
