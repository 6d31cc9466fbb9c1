// Package x402 implements the x402 payment protocol types used to link
// out-of-band payments to escrows.
//
// The escrow engine never verifies these proofs cryptographically; it stores
// the payment hash and relies on the payee's verification assertion. This
// package only defines the wire shapes and the header codec.
package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ProofHeader is the HTTP header carrying a serialized PaymentProof.
const ProofHeader = "X-Payment-Proof"

// PaymentRequirement is returned by servers in 402 responses.
type PaymentRequirement struct {
	Price       string `json:"price"`
	Currency    string `json:"currency"`
	Chain       string `json:"chain"`
	ChainID     int64  `json:"chainId"`
	Recipient   string `json:"recipient"`
	Contract    string `json:"contract"`
	Description string `json:"description,omitempty"`
	ValidFor    int64  `json:"validFor,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
}

// PaymentProof is presented by a payer to prove an out-of-band payment.
// TxHash is the value linked to an escrow as its external payment hash.
type PaymentProof struct {
	TxHash    string `json:"txHash"`
	From      string `json:"from"`
	Nonce     string `json:"nonce,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Error represents an x402 error response.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is402Response checks if an HTTP response is a 402 Payment Required.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParsePaymentRequirement extracts payment requirements from a 402 response.
func ParsePaymentRequirement(resp *http.Response) (*PaymentRequirement, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var req PaymentRequirement
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirement: %w", err)
	}

	return &req, nil
}

// NewProof creates a proof object for a completed payment.
func NewProof(txHash, fromAddress, nonce string) *PaymentProof {
	return &PaymentProof{
		TxHash:    txHash,
		From:      fromAddress,
		Nonce:     nonce,
		Timestamp: time.Now().Unix(),
	}
}

// ToHeader serializes the payment proof for the X-Payment-Proof header.
func (p *PaymentProof) ToHeader() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof: %w", err)
	}
	return string(data), nil
}

// ProofFromHeader parses a serialized PaymentProof from a header value.
func ProofFromHeader(value string) (*PaymentProof, error) {
	if value == "" {
		return nil, fmt.Errorf("empty payment proof header")
	}
	var p PaymentProof
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		return nil, fmt.Errorf("failed to parse payment proof: %w", err)
	}
	if p.TxHash == "" {
		return nil, fmt.Errorf("payment proof missing txHash")
	}
	return &p, nil
}

// AddProofToRequest adds the payment proof header to an HTTP request.
func AddProofToRequest(req *http.Request, proof *PaymentProof) error {
	header, err := proof.ToHeader()
	if err != nil {
		return err
	}
	req.Header.Set(ProofHeader, header)
	return nil
}
