// Package relay implements the HTTP client for the relay mailbox: agent
// registration, cursor-based envelope polling, envelope submission, and the
// relay-custodied escrow surface.
package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/pactmesh/pact/internal/envelope"
	"github.com/pactmesh/pact/internal/identity"
)

var ErrNotFound = errors.New("relay: not found")

// Client is a relay API client bound to one agent identity.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	id         *identity.Identity
	logger     zerolog.Logger
}

// New creates a relay client for the given identity.
func New(baseURL string, id *identity.Identity, logger zerolog.Logger) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		id:         id,
		logger:     logger,
	}
}

// signRequest creates authentication headers over sha256(body)|nonce|ts.
func (c *Client) signRequest(body []byte) http.Header {
	hash := sha256.Sum256(body)
	hashHex := hex.EncodeToString(hash[:])

	nonceBytes := make([]byte, 12)
	rand.Read(nonceBytes)
	nonce := hex.EncodeToString(nonceBytes)

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	payload := fmt.Sprintf("%s|%s|%s", hashHex, nonce, timestamp)
	sig := ed25519.Sign(c.id.PrivateKey, []byte(payload))

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Pact-DID", c.id.DID)
	headers.Set("X-Pact-Nonce", nonce)
	headers.Set("X-Pact-Timestamp", timestamp)
	headers.Set("X-Pact-Signature", base64.StdEncoding.EncodeToString(sig))
	return headers
}

// doRequest performs one HTTP round trip against the relay.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, signed bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	if signed {
		req.Header = c.signRequest(body)
	} else {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, fmt.Errorf("relay error %d: %s", resp.StatusCode, errResp.Error)
	}

	return respBody, nil
}

// RegisterRequest announces an agent and its capabilities.
type RegisterRequest struct {
	DID          string   `json:"did"`
	PublicKey    string   `json:"public_key"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Register announces presence once at startup. Registration is idempotent
// by public key on the relay side.
func (c *Client) Register(ctx context.Context, capabilities []string) error {
	req := RegisterRequest{
		DID:          c.id.DID,
		PublicKey:    base64.StdEncoding.EncodeToString(c.id.PublicKey),
		Capabilities: capabilities,
	}
	body, _ := json.Marshal(req)
	_, err := c.doRequest(ctx, http.MethodPost, "/register", body, false)
	return err
}

// Filter selects which stored envelopes a poll returns.
type Filter struct {
	Since   string        // exclusive cursor; empty means from the beginning
	Type    envelope.Type // optional
	Thread  string        // optional
	Timeout time.Duration // relay-side long-poll budget
}

// StoredEnvelope is an envelope as returned by the relay, tagged with the
// relay-assigned sortable id that serves as the poll cursor.
type StoredEnvelope struct {
	ID       string            `json:"id"`
	Envelope envelope.Envelope `json:"envelope"`
}

type messagesResponse struct {
	Messages []StoredEnvelope `json:"messages"`
}

// Poll performs one fetch of envelopes after the cursor, in non-decreasing
// timestamp order. Callers loop this under a deadline.
func (c *Client) Poll(ctx context.Context, f Filter) ([]StoredEnvelope, error) {
	q := url.Values{}
	if f.Since != "" {
		q.Set("since", f.Since)
	}
	if f.Type != "" {
		q.Set("type", string(f.Type))
	}
	if f.Thread != "" {
		q.Set("thread", f.Thread)
	}
	if f.Timeout > 0 {
		q.Set("timeout", strconv.FormatInt(f.Timeout.Milliseconds(), 10))
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/messages?"+q.Encode(), nil, false)
	if err != nil {
		return nil, err
	}

	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Send submits a signed envelope to the relay.
func (c *Client) Send(ctx context.Context, env envelope.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPost, "/messages", body, true)
	return err
}

// Poller tracks a cursor over one filtered poll stream. The cursor advances
// only past envelopes actually returned, so a transient relay error never
// skips unseen messages. Pollers with different filters must not share a
// cursor.
type Poller struct {
	client *Client
	filter Filter
	cursor string
}

// NewPoller creates a poller for the given filter. The filter's Since is the
// starting cursor; leave it empty to read the mailbox from the beginning.
func (c *Client) NewPoller(f Filter) *Poller {
	return &Poller{client: c, filter: f, cursor: f.Since}
}

// Next fetches the envelopes after the current cursor and advances it.
func (p *Poller) Next(ctx context.Context) ([]StoredEnvelope, error) {
	f := p.filter
	f.Since = p.cursor
	msgs, err := p.client.Poll(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		p.cursor = msgs[len(msgs)-1].ID
	}
	return msgs, nil
}

// Cursor returns the poller's current position.
func (p *Poller) Cursor() string { return p.cursor }
