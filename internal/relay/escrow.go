package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// EscrowRecord mirrors the relay's custodial escrow row.
type EscrowRecord struct {
	RequestID string    `json:"request_id"`
	Payer     string    `json:"payer"`
	Payee     string    `json:"payee"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"` // HELD, RELEASED, REFUNDED
	HoldID    string    `json:"hold_id"`
	CreatedAt time.Time `json:"created_at"`
}

// HoldEscrowRequest instructs the relay to earmark payer funds.
type HoldEscrowRequest struct {
	RequestID string  `json:"request_id"`
	Payer     string  `json:"payer"`
	Payee     string  `json:"payee"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

// HoldEscrow debits the payer's ledger account and creates a HELD record.
// The returned HoldID is the requester's proof of payment.
func (c *Client) HoldEscrow(ctx context.Context, req HoldEscrowRequest) (*EscrowRecord, error) {
	body, _ := json.Marshal(req)
	respBody, err := c.doRequest(ctx, http.MethodPost, "/escrow/hold", body, true)
	if err != nil {
		return nil, err
	}
	var rec EscrowRecord
	if err := json.Unmarshal(respBody, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ResolveEscrow transitions a HELD record to RELEASED or REFUNDED. The relay
// treats a resolution of an already-terminal record as a no-op.
func (c *Client) ResolveEscrow(ctx context.Context, requestID, resolution string) (*EscrowRecord, error) {
	body, _ := json.Marshal(map[string]string{"resolution": resolution})
	respBody, err := c.doRequest(ctx, http.MethodPost, "/escrow/"+requestID+"/release", body, true)
	if err != nil {
		return nil, err
	}
	var rec EscrowRecord
	if err := json.Unmarshal(respBody, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetEscrow fetches the record for a request id, or ErrNotFound.
func (c *Client) GetEscrow(ctx context.Context, requestID string) (*EscrowRecord, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/escrow/"+requestID, nil, false)
	if err != nil {
		return nil, err
	}
	var rec EscrowRecord
	if err := json.Unmarshal(respBody, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// VerifyPaymentRequest asks the relay to reconcile a payment reference.
type VerifyPaymentRequest struct {
	TxHash string  `json:"tx_hash"`
	Chain  string  `json:"chain,omitempty"`
	Token  string  `json:"token,omitempty"`
	Payer  string  `json:"payer"`
	Payee  string  `json:"payee"`
	Amount float64 `json:"amount"`
}

// VerifyPaymentResponse reports the relay's view of a payment.
type VerifyPaymentResponse struct {
	Confirmed bool    `json:"confirmed"`
	Amount    float64 `json:"amount"`
	Message   string  `json:"message,omitempty"`
}

// VerifyPayment checks a payment reference against the relay's records.
func (c *Client) VerifyPayment(ctx context.Context, req VerifyPaymentRequest) (*VerifyPaymentResponse, error) {
	body, _ := json.Marshal(req)
	respBody, err := c.doRequest(ctx, http.MethodPost, "/payments/verify", body, false)
	if err != nil {
		return nil, err
	}
	var resp VerifyPaymentResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LedgerAccount is a relay-custodied balance.
type LedgerAccount struct {
	DID       string  `json:"did"`
	Available float64 `json:"available"`
	Held      float64 `json:"held"`
}

// GetLedger fetches an agent's relay ledger account.
func (c *Client) GetLedger(ctx context.Context, did string) (*LedgerAccount, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/ledger/"+did, nil, false)
	if err != nil {
		return nil, err
	}
	var acct LedgerAccount
	if err := json.Unmarshal(respBody, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}
