// Package validation provides input validation for the escrowd API.
package validation

import (
	"math/big"
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-form string fields
// (payment codes, service descriptions).
const MaxStringLength = 10000

// txHashRegex validates 32-byte transaction hashes (x402 payment hashes).
var txHashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AddressParamMiddleware validates the :address URL parameter on routes that
// use it. A no-op when the param is absent.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}

// IsValidAddress checks if a string is a valid 20-byte hex address.
func IsValidAddress(addr string) bool {
	return common.IsHexAddress(addr)
}

// IsValidTxHash checks if a string is a valid 32-byte hex hash.
func IsValidTxHash(h string) bool {
	return txHashRegex.MatchString(h)
}

// SanitizeAddress normalizes a hex address to lowercase 0x-prefixed form.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// SanitizeString trims whitespace, strips null bytes, and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ParseAmount parses a decimal USDC amount (6 decimals) into base units.
// Returns false if the string is not a well-formed non-negative decimal.
func ParseAmount(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	parts := strings.SplitN(s, ".", 2)
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}
	if strings.HasPrefix(whole, "-") {
		return nil, false
	}
	if len(frac) > 6 {
		return nil, false
	}
	for len(frac) < 6 {
		frac += "0"
	}
	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, false
	}
	return result, true
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks that a field is a valid hex address.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid 0x address"}
		}
		return nil
	}
}

// ValidTxHash checks that a field is a valid 32-byte hex hash.
func ValidTxHash(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidTxHash(value) {
			return &ValidationError{Field: field, Message: "must be a valid 32-byte 0x hash"}
		}
		return nil
	}
}

// ValidAmount checks that a field parses as a non-negative decimal amount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if _, ok := ParseAmount(value); !ok {
			return &ValidationError{Field: field, Message: "must be a non-negative decimal amount"}
		}
		return nil
	}
}
