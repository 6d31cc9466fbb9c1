package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/validation"
	"github.com/mbd888/escrowd/pkg/x402"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/expired", h.GetExpired)
	r.GET("/agents/:address/escrows", h.ListEscrows)
	r.GET("/escrows/count", h.CountEscrows)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/auto-release", h.AutoReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
	r.POST("/escrows/:id/x402/link", h.LinkX402)
	r.POST("/escrows/:id/x402/verify", h.VerifyX402)
	r.POST("/escrows/:id/x402/release", h.ReleaseX402)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("payee", req.Payee),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	callerAddr := c.GetString("authAgentAddr")

	escrow, err := h.service.Create(c.Request.Context(), callerAddr, req)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escrow_failed",
			"message": "Failed to create escrow",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	escrow, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// GetExpired handles GET /v1/escrows/:id/expired
func (h *Handler) GetExpired(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	expired, err := h.service.IsExpired(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "expired": expired})
}

// ListEscrows handles GET /v1/agents/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))

	ids, err := h.service.PartyEscrows(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if ids == nil {
		ids = []uint64{}
	}

	c.JSON(http.StatusOK, gin.H{
		"escrowIds": ids,
		"count":     len(ids),
	})
}

// CountEscrows handles GET /v1/escrows/count
func (h *Handler) CountEscrows(c *gin.Context) {
	count, err := h.service.Count(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": count})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	h.transition(c, h.service.Release)
}

// AutoReleaseEscrow handles POST /v1/escrows/:id/auto-release
func (h *Handler) AutoReleaseEscrow(c *gin.Context) {
	h.transition(c, h.service.AutoRelease)
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	h.transition(c, h.service.Refund)
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	h.transition(c, h.service.Dispute)
}

// LinkX402 handles POST /v1/escrows/:id/x402/link
func (h *Handler) LinkX402(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	// The payment hash arrives either in the request body or as a serialized
	// x402 payment proof header.
	var paymentHash string
	if hdr := c.GetHeader(x402.ProofHeader); hdr != "" {
		proof, err := x402.ProofFromHeader(hdr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
		paymentHash = proof.TxHash
	} else {
		var req struct {
			PaymentHash string `json:"paymentHash" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
		paymentHash = req.PaymentHash
	}

	if errs := validation.Validate(
		validation.ValidTxHash("paymentHash", paymentHash),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	callerAddr := c.GetString("authAgentAddr")

	escrow, err := h.service.LinkX402(c.Request.Context(), id, callerAddr, paymentHash)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// VerifyX402 handles POST /v1/escrows/:id/x402/verify
func (h *Handler) VerifyX402(c *gin.Context) {
	h.transition(c, h.service.VerifyX402)
}

// ReleaseX402 handles POST /v1/escrows/:id/x402/release
func (h *Handler) ReleaseX402(c *gin.Context) {
	h.transition(c, h.service.ReleaseX402)
}

// transition runs a single-caller state transition and writes the result.
func (h *Handler) transition(c *gin.Context, op func(ctx context.Context, id uint64, caller string) (*Escrow, error)) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	callerAddr := c.GetString("authAgentAddr")

	escrow, err := op(c.Request.Context(), id, callerAddr)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid escrow id",
		})
		return 0, false
	}
	return id, true
}

func writeServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidStatus):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrEscrowExpired):
		status = http.StatusConflict
		code = "escrow_expired"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, ErrTransferFailed):
		status = http.StatusBadGateway
		code = "transfer_failed"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
