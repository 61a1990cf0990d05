package transfer

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"tallyd/internal/auth"
	"tallyd/internal/logging"
	"tallyd/internal/store"
	"tallyd/internal/validation"
)

// Handler provides HTTP endpoints for transfer operations.
type Handler struct {
	service *Service
	baseURI string
}

// NewHandler creates a new transfer handler. baseURI roots the absolute
// resource ids in responses.
func NewHandler(service *Service, baseURI string) *Handler {
	return &Handler{service: service, baseURI: baseURI}
}

// RegisterRoutes sets up transfer routes. Reads and fulfillment are open:
// a transfer id, like a fulfillment, acts as a bearer capability. Only
// the upsert requires an authenticated principal.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	transfers := r.Group("/transfers/:id", validation.UUIDParamMiddleware("id"))
	transfers.GET("", h.GetTransfer)
	transfers.PUT("", auth.RequirePrincipal(), h.PutTransfer)
	transfers.GET("/state", h.GetState)
	transfers.GET("/fulfillment", h.GetFulfillment)
	transfers.PUT("/fulfillment", h.PutFulfillment)
}

// GetTransfer handles GET /transfers/:id
func (h *Handler) GetTransfer(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.render(t))
}

// GetState handles GET /transfers/:id/state
func (h *Handler) GetState(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       h.transferURI(t.ID),
		"state":    t.State,
		"timeline": t.Timeline,
	})
}

// PutTransfer handles PUT /transfers/:id
func (h *Handler) PutTransfer(c *gin.Context) {
	id := c.Param("id")

	var req UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if msg := h.checkShape(&req, id); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": msg,
		})
		return
	}
	req.ID = id

	principal, _ := auth.GetPrincipal(c)
	t, created, err := h.service.Upsert(c.Request.Context(), principal, &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, h.render(t))
}

// GetFulfillment handles GET /transfers/:id/fulfillment
func (h *Handler) GetFulfillment(c *gin.Context) {
	fulfillment, err := h.service.GetFulfillment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", fulfillment)
}

// PutFulfillment handles PUT /transfers/:id/fulfillment. The body is the
// opaque fulfillment object itself.
func (h *Handler) PutFulfillment(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "unprocessable_entity",
			"message": "Could not read fulfillment body",
		})
		return
	}
	if !validation.IsJSONObject(body) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "unprocessable_entity",
			"message": "Fulfillment must be a JSON object",
		})
		return
	}

	t, err := h.service.Fulfill(c.Request.Context(), c.Param("id"), json.RawMessage(body))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.render(t))
}

// checkShape performs the structural checks that map to 400 rather than
// 422: malformed ids, negative or unparseable amounts, non-object opaque
// fields, unknown states.
func (h *Handler) checkShape(req *UpsertRequest, id string) string {
	switch req.ID {
	case "", id, h.transferURI(id):
	default:
		return "Body id must match the URL"
	}
	if len(req.SourceFunds) == 0 {
		return "source_funds is required"
	}
	if len(req.DestinationFunds) == 0 {
		return "destination_funds is required"
	}
	for _, funds := range [][]Fund{req.SourceFunds, req.DestinationFunds} {
		for i := range funds {
			f := &funds[i]
			if f.Account == "" {
				return "Every fund needs an account"
			}
			if !validation.IsValidAccountName(f.Account) {
				return "Invalid account name: " + f.Account
			}
			if f.Amount.IsNegative() {
				return "Amounts must not be negative"
			}
			if jsonPresent(f.Authorization) && !validation.IsJSONObject(f.Authorization) {
				return "Authorization must be a JSON object"
			}
		}
	}
	if jsonPresent(req.Condition) && !validation.IsJSONObject(req.Condition) {
		return "Execution condition must be a JSON object"
	}
	if jsonPresent(req.Fulfillment) && !validation.IsJSONObject(req.Fulfillment) {
		return "Fulfillment must be a JSON object"
	}
	if req.State != "" && !req.State.Valid() {
		return "Unknown state: " + string(req.State)
	}
	return ""
}

func (h *Handler) transferURI(id string) string {
	return h.baseURI + "/transfers/" + id
}

// render returns a wire copy with the id expanded to an absolute URI.
func (h *Handler) render(t *Transfer) Transfer {
	out := *t
	out.ID = h.transferURI(t.ID)
	return out
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transfer not found",
		})
	case errors.Is(err, ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "insufficient_funds",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnknownAccount):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "unknown_account",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnprocessable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "unprocessable_entity",
			"message": err.Error(),
		})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Concurrent update, retry the request",
		})
	default:
		logging.L(c.Request.Context()).Error("transfer operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}
