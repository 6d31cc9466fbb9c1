package directory

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the service directory.
type Handler struct {
	dir *Directory
}

// NewHandler creates a new directory handler.
func NewHandler(dir *Directory) *Handler {
	return &Handler{dir: dir}
}

// RegisterRoutes sets up public (read-only) directory routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/services", h.ListServices)
	r.GET("/services/count", h.CountServices)
	r.GET("/services/:id", h.GetService)
	r.GET("/agents/:address/services", h.ListProviderServices)
	r.GET("/agents/:address/reputation", h.GetReputation)
}

// RegisterProtectedRoutes sets up protected (auth-required) directory routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/services", h.RegisterService)
	r.PUT("/services/:id/status", h.SetStatus)
	r.PUT("/services/:id/price", h.SetPrice)
	r.PUT("/services/:id/x402", h.SetX402Params)
	r.POST("/services/:id/calls", h.RecordCall)
	r.POST("/services/:id/x402/payments", h.RecordX402Payment)
}

// RegisterService handles POST /v1/services
func (h *Handler) RegisterService(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	callerAddr := c.GetString("authAgentAddr")

	svc, err := h.dir.Register(c.Request.Context(), callerAddr, req)
	if err != nil {
		writeDirectoryError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"service": svc})
}

// GetService handles GET /v1/services/:id
func (h *Handler) GetService(c *gin.Context) {
	id, ok := parseServiceID(c)
	if !ok {
		return
	}

	svc, err := h.dir.Get(c.Request.Context(), id)
	if err != nil {
		writeDirectoryError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"service": svc})
}

// ListServices handles GET /v1/services
//
// Query parameters: category filters to one category, x402=true restricts to
// x402-enabled listings, limit caps the result size. Inactive listings are
// never returned.
func (h *Handler) ListServices(c *gin.Context) {
	limit := parseLimit(c, 100)

	var (
		services []*Service
		err      error
	)
	switch {
	case c.Query("x402") == "true":
		services, err = h.dir.X402Services(c.Request.Context(), limit)
	case c.Query("category") != "":
		services, err = h.dir.ServicesByCategory(c.Request.Context(), Category(c.Query("category")), limit)
	default:
		services, err = h.dir.ActiveServices(c.Request.Context(), limit)
	}
	if err != nil {
		writeDirectoryError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"services": services,
		"count":    len(services),
	})
}

// CountServices handles GET /v1/services/count
func (h *Handler) CountServices(c *gin.Context) {
	count, err := h.dir.Count(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": count})
}

// ListProviderServices handles GET /v1/agents/:address/services
func (h *Handler) ListProviderServices(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))

	services, err := h.dir.ProviderServices(c.Request.Context(), address)
	if err != nil {
		writeDirectoryError(c, err)
		return
	}
	if services == nil {
		services = []*Service{}
	}

	c.JSON(http.StatusOK, gin.H{
		"services": services,
		"count":    len(services),
	})
}

// GetReputation handles GET /v1/agents/:address/reputation
func (h *Handler) GetReputation(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))

	score, err := h.dir.Reputation(c.Request.Context(), address)
	if err != nil {
		writeDirectoryError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"provider": address,
		"score":    score,
	})
}

// SetStatus handles PUT /v1/services/:id/status
func (h *Handler) SetStatus(c *gin.Context) {
	id, ok := parseServiceID(c)
	if !ok {
		return
	}

	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	callerAddr := c.GetString("authAgentAddr")

	svc, err := h.dir.SetStatus(c.Request.Context(), id, callerAddr, *req.Active)
	if err != nil {
		writeDirectoryError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"service": svc})
}

// SetPrice handles PUT /v1/services/:id/price
func (h *Handler) SetPrice(c *gin.Context) {
	id, ok := parseServiceID(c)
	if !ok {
		return
	}

	var req struct {
		Price string `json:"price" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	callerAddr := c.GetString("authAgentAddr")

	svc, err := h.dir.SetPrice(c.Request.Context(), id, callerAddr, req.Price)
	if err != nil {
		writeDirectoryError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"service": svc})
}

// SetX402Params handles PUT /v1/services/:id/x402
func (h *Handler) SetX402Params(c *gin.Context) {
	id, ok := parseServiceID(c)
	if !ok {
		return
	}

	var req X402Params
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	callerAddr := c.GetString("authAgentAddr")

	svc, err := h.dir.SetX402Params(c.Request.Context(), id, callerAddr, req)
	if err != nil {
		writeDirectoryError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"service": svc})
}

// RecordCall handles POST /v1/services/:id/calls
func (h *Handler) RecordCall(c *gin.Context) {
	id, ok := parseServiceID(c)
	if !ok {
		return
	}

	var req struct {
		Success *bool `json:"success" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	svc, err := h.dir.RecordCall(c.Request.Context(), id, *req.Success)
	if err != nil {
		writeDirectoryError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"service": svc})
}

// RecordX402Payment handles POST /v1/services/:id/x402/payments
func (h *Handler) RecordX402Payment(c *gin.Context) {
	id, ok := parseServiceID(c)
	if !ok {
		return
	}

	var req struct {
		PaymentHash string `json:"paymentHash" binding:"required"`
		Success     *bool  `json:"success" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	callerAddr := c.GetString("authAgentAddr")

	svc, err := h.dir.RecordX402Payment(c.Request.Context(), id, callerAddr, req.PaymentHash, *req.Success)
	if err != nil {
		writeDirectoryError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"service": svc})
}

func parseServiceID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid service id",
		})
		return 0, false
	}
	return id, true
}

func parseLimit(c *gin.Context, defaultVal int) int {
	if val := c.Query("limit"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			return i
		}
	}
	return defaultVal
}

func writeDirectoryError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrServiceNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
		code = "invalid_input"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
