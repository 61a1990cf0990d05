package reconcile

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tallyd/internal/auth"
	"tallyd/internal/logging"
)

// Handler exposes the conservation check to operators.
type Handler struct {
	service *Service
}

// NewHandler creates a reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the admin check route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/check", auth.RequireAdmin(), h.Check)
}

// Check handles GET /ledger/check. The run itself succeeding is a 200;
// the body says whether the books balance.
func (h *Handler) Check(c *gin.Context) {
	result, err := h.service.Check(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("conservation check failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
		return
	}
	c.JSON(http.StatusOK, result)
}
