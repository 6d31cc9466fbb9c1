package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for balances and deposits.
type Handler struct {
	ledger      *Ledger
	adminSecret string
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger, adminSecret string) *Handler {
	return &Handler{ledger: ledger, adminSecret: adminSecret}
}

// RegisterRoutes sets up public (read-only) ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents/:address/balance", h.GetBalance)
	r.GET("/agents/:address/ledger", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/ledger/deposits", h.RecordDeposit)
}

// DepositRequest records an observed deposit into an account.
type DepositRequest struct {
	Account string `json:"account" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
	TxHash  string `json:"txHash" binding:"required"`
}

// GetBalance handles GET /v1/agents/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	address := validation.SanitizeAddress(c.Param("address"))

	balance, err := h.ledger.Balance(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetHistory handles GET /v1/agents/:address/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	address := validation.SanitizeAddress(c.Param("address"))
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, err := h.ledger.History(c.Request.Context(), address, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// RecordDeposit handles POST /v1/ledger/deposits
func (h *Handler) RecordDeposit(c *gin.Context) {
	if h.adminSecret == "" || c.GetHeader("X-Admin-Secret") != h.adminSecret {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Admin secret required",
		})
		return
	}

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "account, amount, and txHash are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("account", req.Account),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidTxHash("tx_hash", req.TxHash),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	err := h.ledger.Deposit(c.Request.Context(), validation.SanitizeAddress(req.Account), req.Amount, req.TxHash)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrDuplicateDeposit):
			status = http.StatusConflict
			code = "duplicate_deposit"
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "recorded"})
}
