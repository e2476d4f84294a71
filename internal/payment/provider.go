package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/config"
)

// IProvider defines the interface to the hosted payment provider.
// Orders are created server-side; the client completes the payment in the
// provider's widget and posts back IDs plus a signature we verify here.
type IProvider interface {
	CreateOrder(ctx context.Context, amount int64, currency, receipt string) (*Order, error)
	VerifySignature(orderID, paymentID, signature string) bool
	NewReceipt() string
}

// Order is the provider's order handle returned to the client for checkout.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// provider implements IProvider against a Razorpay-style Orders API.
type provider struct {
	cfg        *config.Config
	httpClient *http.Client
}

// NewProvider creates a payment provider client.
func NewProvider(cfg *config.Config) IProvider {
	return &provider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewReceipt generates a unique receipt reference for a new order.
func (p *provider) NewReceipt() string {
	return "rcpt_" + uuid.NewString()
}

// CreateOrder calls the provider's order-creation endpoint.
// Amounts are whole currency units here; the provider wants minor units.
func (p *provider) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (*Order, error) {
	if p.cfg.PaymentKeyID == "" || p.cfg.PaymentKeySecret == "" {
		return nil, fmt.Errorf("payment provider credentials not configured")
	}

	payload := map[string]interface{}{
		"amount":   amount * 100, // minor units (paise)
		"currency": currency,
		"receipt":  receipt,
	}
	jsonData, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, "POST", p.cfg.PaymentBaseURL+"/orders", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(p.cfg.PaymentKeyID, p.cfg.PaymentKeySecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		log.Errorf("Error calling payment provider: %v", err)
		return nil, fmt.Errorf("failed to contact payment provider")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment provider response")
	}

	if resp.StatusCode != http.StatusOK {
		log.Errorf("Payment provider returned non-OK status: %d - Body: %s", resp.StatusCode, string(body))
		return nil, fmt.Errorf("payment order creation failed with status %d", resp.StatusCode)
	}

	var providerResp struct {
		ID       string `json:"id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Receipt  string `json:"receipt"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(body, &providerResp); err != nil {
		return nil, fmt.Errorf("failed to parse payment provider response: %w", err)
	}

	return &Order{
		ID:       providerResp.ID,
		Amount:   providerResp.Amount / 100,
		Currency: providerResp.Currency,
		Receipt:  providerResp.Receipt,
		Status:   providerResp.Status,
	}, nil
}

// VerifySignature checks the HMAC-SHA256 the provider computes over
// "orderID|paymentID". Constant-time comparison; a failed check means the
// callback did not come from the provider.
func (p *provider) VerifySignature(orderID, paymentID, signature string) bool {
	mac := hmac.New(sha256.New, []byte(p.cfg.PaymentKeySecret))
	mac.Write([]byte(orderID + "|" + paymentID))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
