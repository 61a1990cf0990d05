package account

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"tallyd/internal/auth"
	"tallyd/internal/logging"
	"tallyd/internal/store"
	"tallyd/internal/validation"
)

// Handler provides HTTP endpoints for account operations.
type Handler struct {
	service *Service
	baseURI string
}

// NewHandler creates a new account handler. baseURI roots the absolute
// resource ids in responses.
func NewHandler(service *Service, baseURI string) *Handler {
	return &Handler{service: service, baseURI: baseURI}
}

// RegisterRoutes sets up account routes. The collection listing and
// upserts are admin-only; detail reads shape their response by principal.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts", auth.RequireAdmin(), h.ListAccounts)
	detail := r.Group("", validation.NameParamMiddleware())
	detail.GET("/accounts/:name", h.GetAccount)
	detail.PUT("/accounts/:name", auth.RequireAdmin(), h.PutAccount)
}

// ListAccounts handles GET /accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	details, err := h.service.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(details))
	for _, d := range details {
		out = append(out, h.render(d, true))
	}
	c.JSON(http.StatusOK, out)
}

// GetAccount handles GET /accounts/:name. Owners and admins receive the
// full document; anyone else gets the minimal public view.
func (h *Handler) GetAccount(c *gin.Context) {
	name := c.Param("name")

	detail, err := h.service.Get(c.Request.Context(), name)
	if err != nil {
		h.fail(c, err)
		return
	}

	principal, _ := auth.GetPrincipal(c)
	c.JSON(http.StatusOK, h.render(detail, principal.CanActFor(name)))
}

type upsertRequest struct {
	Name            string  `json:"name"`
	Balance         *string `json:"balance"`
	IsAdmin         *bool   `json:"is_admin"`
	Password        *string `json:"password"`
	SignatureKey    *string `json:"signature_key"`
	CertFingerprint *string `json:"certificate_fingerprint"`
}

// PutAccount handles PUT /accounts/:name
func (h *Handler) PutAccount(c *gin.Context) {
	name := c.Param("name")

	var req upsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Name != "" && req.Name != name {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body name must match the URL",
		})
		return
	}

	in := UpsertInput{
		IsAdmin:         req.IsAdmin,
		Password:        req.Password,
		SignatureKey:    req.SignatureKey,
		CertFingerprint: req.CertFingerprint,
	}
	if req.Balance != nil {
		if errs := validation.Validate(
			validation.ValidAmount("balance", *req.Balance),
		); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": errs.Error(),
				"details": errs,
			})
			return
		}
		balance, err := decimal.NewFromString(*req.Balance)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "balance: invalid amount format",
			})
			return
		}
		in.Balance = &balance
	}

	detail, created, err := h.service.Upsert(c.Request.Context(), name, in)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, h.render(detail, true))
}

func (h *Handler) render(d *Detail, full bool) gin.H {
	out := gin.H{
		"id":   h.baseURI + "/accounts/" + d.Name,
		"name": d.Name,
	}
	if d.IsAdmin {
		out["is_admin"] = true
	}
	if full {
		out["balance"] = d.Balance
		out["held"] = d.Held
		out["created_at"] = d.CreatedAt
		out["updated_at"] = d.UpdatedAt
	}
	return out
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Account not found",
		})
	case errors.Is(err, ErrNegativeBalance):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Concurrent update, retry the request",
		})
	default:
		logging.L(c.Request.Context()).Error("account operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}
