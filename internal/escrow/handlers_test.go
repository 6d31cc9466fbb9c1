package escrow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/pkg/x402"
)

func setupTestRouter() (*gin.Engine, *Service) {
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	svc := NewService(store, newMockGateway(), time.Hour)
	handler := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	// Simulate auth middleware by reading a test header
	authGroup := v1.Group("")
	authGroup.Use(func(c *gin.Context) {
		if addr := c.GetHeader("X-Agent-Address"); addr != "" {
			c.Set("authAgentAddr", addr)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(authGroup)

	return r, svc
}

func doJSON(router *gin.Engine, method, path, caller string, payload interface{}) *httptest.ResponseRecorder {
	var body *bytes.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("X-Agent-Address", caller)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateAndGetEscrow(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, "POST", "/v1/escrows", payer, CreateRequest{
		Payee:  payee,
		Amount: "1.50",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var createResp struct {
		Escrow struct {
			ID     uint64 `json:"id"`
			Status string `json:"status"`
			Amount string `json:"amount"`
		} `json:"escrow"`
	}
	json.Unmarshal(w.Body.Bytes(), &createResp)

	if createResp.Escrow.ID != 1 {
		t.Errorf("Expected id 1, got %d", createResp.Escrow.ID)
	}
	if createResp.Escrow.Status != "pending" {
		t.Errorf("Expected status pending, got %s", createResp.Escrow.Status)
	}
	if createResp.Escrow.Amount != "1.50" {
		t.Errorf("Expected amount 1.50, got %s", createResp.Escrow.Amount)
	}

	w = doJSON(router, "GET", fmt.Sprintf("/v1/escrows/%d", createResp.Escrow.ID), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_GetEscrowNotFound(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, "GET", "/v1/escrows/999", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandler_GetEscrowBadID(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, "GET", "/v1/escrows/abc", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-numeric id, got %d", w.Code)
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	router, _ := setupTestRouter()

	// Missing payee
	w := doJSON(router, "POST", "/v1/escrows", payer, map[string]string{"amount": "1.00"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing payee, got %d", w.Code)
	}

	// Malformed payee address
	w = doJSON(router, "POST", "/v1/escrows", payer, CreateRequest{Payee: "not-an-address", Amount: "1.00"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed payee, got %d", w.Code)
	}

	// Zero amount on a conventional escrow
	w = doJSON(router, "POST", "/v1/escrows", payer, CreateRequest{Payee: payee, Amount: "0"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for zero amount, got %d", w.Code)
	}
}

func TestHandler_ReleaseFlow(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, "POST", "/v1/escrows", payer, CreateRequest{Payee: payee, Amount: "2.00"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Payee cannot release
	w = doJSON(router, "POST", "/v1/escrows/1/release", payee, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for payee release, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, "POST", "/v1/escrows/1/release", payer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Escrow struct {
			Status string `json:"status"`
		} `json:"escrow"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Escrow.Status != "completed" {
		t.Errorf("Expected status completed, got %s", resp.Escrow.Status)
	}

	// Second release hits a terminal state
	w = doJSON(router, "POST", "/v1/escrows/1/release", payer, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 on double release, got %d", w.Code)
	}
}

func TestHandler_ExpiredRelease(t *testing.T) {
	router, svc := setupTestRouter()

	base := time.Now()
	now := base
	svc.WithClock(func() time.Time { return now })

	w := doJSON(router, "POST", "/v1/escrows", payer, CreateRequest{Payee: payee, Amount: "1.00"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	now = base.Add(2 * time.Hour)

	w = doJSON(router, "POST", "/v1/escrows/1/release", payer, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for expired release, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, "GET", "/v1/escrows/1/expired", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Expired bool `json:"expired"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Expired {
		t.Error("Expected expired=true")
	}

	// Payee claims via auto-release
	w = doJSON(router, "POST", "/v1/escrows/1/auto-release", payee, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for auto-release, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_X402Flow(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, "POST", "/v1/escrows", payer, CreateRequest{Payee: payee, UsesX402: true})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Malformed hash rejected at the edge
	w = doJSON(router, "POST", "/v1/escrows/1/x402/link", payer, map[string]string{"paymentHash": "0x123"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed hash, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, "POST", "/v1/escrows/1/x402/link", payer, map[string]string{"paymentHash": hashA})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for link, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, "POST", "/v1/escrows/1/x402/verify", payee, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for verify, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, "POST", "/v1/escrows/1/x402/release", payee, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for x402 release, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Escrow struct {
			Status       string `json:"status"`
			X402Verified bool   `json:"x402Verified"`
		} `json:"escrow"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Escrow.Status != "completed" {
		t.Errorf("Expected status completed, got %s", resp.Escrow.Status)
	}
	if !resp.Escrow.X402Verified {
		t.Error("Expected x402Verified=true")
	}
}

func TestHandler_X402LinkViaProofHeader(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, "POST", "/v1/escrows", payer, CreateRequest{Payee: payee, UsesX402: true})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	proof := &x402.PaymentProof{TxHash: hashA, From: payer, Timestamp: time.Now().Unix()}
	hdr, err := proof.ToHeader()
	if err != nil {
		t.Fatalf("ToHeader failed: %v", err)
	}

	req := httptest.NewRequest("POST", "/v1/escrows/1/x402/link", bytes.NewReader(nil))
	req.Header.Set("X-Agent-Address", payer)
	req.Header.Set(x402.ProofHeader, hdr)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for header link, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Escrow struct {
			X402PaymentHash string `json:"x402PaymentHash"`
		} `json:"escrow"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Escrow.X402PaymentHash != hashA {
		t.Errorf("Expected payment hash %s, got %s", hashA, resp.Escrow.X402PaymentHash)
	}

	// Garbage header rejected before touching the escrow
	req = httptest.NewRequest("POST", "/v1/escrows/1/x402/link", bytes.NewReader(nil))
	req.Header.Set("X-Agent-Address", payer)
	req.Header.Set(x402.ProofHeader, "{not json")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed proof header, got %d", w.Code)
	}
}

func TestHandler_ListAndCount(t *testing.T) {
	router, _ := setupTestRouter()

	for i := 0; i < 3; i++ {
		w := doJSON(router, "POST", "/v1/escrows", payer, CreateRequest{Payee: payee, Amount: "1.00"})
		if w.Code != http.StatusCreated {
			t.Fatalf("Expected 201, got %d", w.Code)
		}
	}

	w := doJSON(router, "GET", "/v1/agents/"+payer+"/escrows", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var listResp struct {
		EscrowIDs []uint64 `json:"escrowIds"`
		Count     int      `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &listResp)
	if listResp.Count != 3 {
		t.Errorf("Expected 3 escrows for payer, got %d", listResp.Count)
	}

	w = doJSON(router, "GET", "/v1/escrows/count", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var countResp struct {
		Count uint64 `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &countResp)
	if countResp.Count != 3 {
		t.Errorf("Expected count 3, got %d", countResp.Count)
	}
}

func TestHandler_DisputeReturnsFrozenEscrow(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, "POST", "/v1/escrows", payer, CreateRequest{Payee: payee, Amount: "1.00"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}

	w = doJSON(router, "POST", "/v1/escrows/1/dispute", payee, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for dispute, got %d: %s", w.Code, w.Body.String())
	}

	// Every further transition is rejected.
	w = doJSON(router, "POST", "/v1/escrows/1/refund", payer, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 refunding a disputed escrow, got %d", w.Code)
	}
}
