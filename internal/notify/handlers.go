package notify

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"tallyd/internal/auth"
	"tallyd/internal/logging"
	"tallyd/internal/security"
	"tallyd/internal/store"
	"tallyd/internal/validation"
)

// Handler provides HTTP endpoints for subscription management and
// notification inspection.
type Handler struct {
	service     *Service
	baseURI     string
	guardTarget bool
}

// NewHandler creates a new subscription handler. baseURI roots the
// absolute resource ids in responses.
func NewHandler(service *Service, baseURI string) *Handler {
	return &Handler{service: service, baseURI: baseURI}
}

// WithTargetGuard rejects subscription targets that point at private or
// internal addresses. Deployments that deliver to localhost tooling
// leave it off.
func (h *Handler) WithTargetGuard() *Handler {
	h.guardTarget = true
	return h
}

// RegisterRoutes sets up subscription routes. Managing a subscription
// requires a principal who can act for its owner; reading a notification
// is open, the same bearer-capability stance as transfer reads.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	subs := r.Group("/subscriptions/:id", validation.UUIDParamMiddleware("id"))
	subs.GET("", auth.RequirePrincipal(), h.GetSubscription)
	subs.PUT("", auth.RequirePrincipal(), h.PutSubscription)
	subs.DELETE("", auth.RequirePrincipal(), h.DeleteSubscription)
	subs.GET("/notifications/:nid", validation.UUIDParamMiddleware("nid"), h.GetNotification)
}

// UpsertSubscriptionRequest is the PUT body for a subscription.
type UpsertSubscriptionRequest struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Event     string `json:"event"`
	TargetURI string `json:"target_uri"`
	Secret    string `json:"secret"`
}

// GetSubscription handles GET /subscriptions/:id
func (h *Handler) GetSubscription(c *gin.Context) {
	sub, err := h.service.GetSubscription(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	principal, _ := auth.GetPrincipal(c)
	if !principal.CanActFor(sub.Owner) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only the subscription owner may view it",
		})
		return
	}
	c.JSON(http.StatusOK, h.renderSubscription(sub))
}

// PutSubscription handles PUT /subscriptions/:id
func (h *Handler) PutSubscription(c *gin.Context) {
	id := c.Param("id")

	var req UpsertSubscriptionRequest
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

	principal, _ := auth.GetPrincipal(c)
	sub, created, err := h.service.UpsertSubscription(c.Request.Context(), principal, id, UpsertInput{
		Owner:     req.Owner,
		Event:     req.Event,
		TargetURI: req.TargetURI,
		Secret:    req.Secret,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	if created {
		body := h.renderSubscription(sub)
		body["secret"] = sub.Secret // Only shown once; reads never include it.
		c.JSON(http.StatusCreated, body)
		return
	}
	c.JSON(http.StatusOK, h.renderSubscription(sub))
}

// DeleteSubscription handles DELETE /subscriptions/:id
func (h *Handler) DeleteSubscription(c *gin.Context) {
	principal, _ := auth.GetPrincipal(c)
	if err := h.service.DeleteSubscription(c.Request.Context(), principal, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Subscription deleted",
	})
}

// GetNotification handles GET /subscriptions/:id/notifications/:nid.
// Knowing both ids is the read capability; no credentials needed.
func (h *Handler) GetNotification(c *gin.Context) {
	n, err := h.service.GetNotification(c.Request.Context(), c.Param("id"), c.Param("nid"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.renderNotification(n))
}

// checkShape performs the structural checks that map to 400: mismatched
// body ids, bad owner names, unsupported events, non-HTTP targets.
func (h *Handler) checkShape(req *UpsertSubscriptionRequest, id string) string {
	switch req.ID {
	case "", id, h.subscriptionURI(id):
	default:
		return "Body id must match the URL"
	}
	if req.Owner == "" {
		return "owner is required"
	}
	if !validation.IsValidAccountName(req.Owner) {
		return "Invalid account name: " + req.Owner
	}
	if !ValidEvent(req.Event) {
		return `event must be "transfer.update" or "*"`
	}
	u, err := url.Parse(req.TargetURI)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "target_uri must be an absolute http(s) URI"
	}
	if h.guardTarget {
		if err := security.ValidateTargetURL(req.TargetURI); err != nil {
			return "target_uri is not deliverable: " + err.Error()
		}
	}
	return ""
}

func (h *Handler) subscriptionURI(id string) string {
	return h.baseURI + "/subscriptions/" + id
}

// renderSubscription omits the stored secret.
func (h *Handler) renderSubscription(sub *Subscription) gin.H {
	return gin.H{
		"id":         h.subscriptionURI(sub.ID),
		"owner":      sub.Owner,
		"event":      sub.Event,
		"target_uri": sub.TargetURI,
		"created_at": sub.CreatedAt,
		"updated_at": sub.UpdatedAt,
	}
}

// renderNotification omits the claim token.
func (h *Handler) renderNotification(n *Notification) gin.H {
	out := gin.H{
		"id":                h.subscriptionURI(n.SubscriptionID) + "/notifications/" + n.ID,
		"subscription":      h.subscriptionURI(n.SubscriptionID),
		"event":             n.Event,
		"state":             n.State,
		"attempts":          n.Attempts,
		"next_attempt_at":   n.NextAttemptAt,
		"transfer_snapshot": n.Snapshot,
		"created_at":        n.CreatedAt,
	}
	if n.LastError != "" {
		out["last_error"] = n.LastError
	}
	return out
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrImmutable):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Concurrent update, retry the request",
		})
	default:
		logging.L(c.Request.Context()).Error("subscription operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}
