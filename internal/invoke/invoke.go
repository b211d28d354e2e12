package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Function names understood by the pipeline
const (
	ProcessReceipt = "process-receipt"
	ComparePrices  = "compare-prices"
)

// Invoker dispatches a named function for one receipt without waiting for it to finish
type Invoker interface {
	Invoke(ctx context.Context, function, receiptID string) error
}

// Request is the body every function receives
type Request struct {
	ReceiptID string `json:"receiptId"`
}

// Response is what a function endpoint answers once the work is dispatched
type Response struct {
	Success   bool   `json:"success"`
	ReceiptID string `json:"receiptId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HTTPInvoker posts {"receiptId": id} to {baseURL}/functions/v1/{function}
type HTTPInvoker struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewHTTPInvoker creates an HTTPInvoker; secret is sent as a bearer token when set
func NewHTTPInvoker(baseURL, secret string) *HTTPInvoker {
	return &HTTPInvoker{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  secret,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Invoke dispatches the function; any 2xx answer counts as dispatched
func (h *HTTPInvoker) Invoke(ctx context.Context, function, receiptID string) error {
	body, err := json.Marshal(Request{ReceiptID: receiptID})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/functions/v1/"+function, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.secret != "" {
		req.Header.Set("Authorization", "Bearer "+h.secret)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("invoking %s: %w", function, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("invoking %s: status %d: %s", function, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
