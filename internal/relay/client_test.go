package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pactmesh/pact/internal/envelope"
	"github.com/pactmesh/pact/internal/identity"
)

func newClientAgent(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func TestSignedSendHeaders(t *testing.T) {
	id := newClientAgent(t)

	var captured *http.Request
	var capturedBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(context.Background())
		capturedBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, id, zerolog.Nop())
	env, err := envelope.New(envelope.TypeRequest, id.DID, "req_1",
		envelope.RequestPayload{RequestID: "req_1", Intent: "summarize"})
	if err != nil {
		t.Fatal(err)
	}
	signed, err := envelope.Sign(env, id.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Send(context.Background(), signed); err != nil {
		t.Fatalf("send: %v", err)
	}

	if got := captured.Header.Get("X-Pact-DID"); got != id.DID {
		t.Errorf("X-Pact-DID = %q, want %q", got, id.DID)
	}
	nonce := captured.Header.Get("X-Pact-Nonce")
	ts := captured.Header.Get("X-Pact-Timestamp")
	if nonce == "" || ts == "" {
		t.Fatal("missing nonce or timestamp header")
	}

	// The signature must verify over sha256(body)|nonce|ts with the key
	// resolved from the DID header.
	sig, err := base64.StdEncoding.DecodeString(captured.Header.Get("X-Pact-Signature"))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	pub, err := identity.ResolveDID(id.DID)
	if err != nil {
		t.Fatal(err)
	}
	hash := sha256.Sum256(capturedBody)
	payload := fmt.Sprintf("%s|%s|%s", hex.EncodeToString(hash[:]), nonce, ts)
	if !ed25519.Verify(pub, []byte(payload), sig) {
		t.Error("request signature does not verify")
	}
}

func TestDoRequestErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.Error(w, `{"error":"no such record"}`, http.StatusNotFound)
		case "/forbidden":
			http.Error(w, `{"error":"signature required"}`, http.StatusUnauthorized)
		default:
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, newClientAgent(t), zerolog.Nop())

	if _, err := c.doRequest(context.Background(), http.MethodGet, "/missing", nil, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("404 should map to ErrNotFound, got %v", err)
	}
	_, err := c.doRequest(context.Background(), http.MethodGet, "/forbidden", nil, false)
	if err == nil || !strings.Contains(err.Error(), "signature required") {
		t.Errorf("error body not surfaced: %v", err)
	}
}

// scriptedMailbox returns canned poll pages keyed by the since parameter and
// records every query it saw.
type scriptedMailbox struct {
	mu    sync.Mutex
	pages map[string][]StoredEnvelope
	fail  map[string]bool
	seen  []string
}

func (m *scriptedMailbox) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		since := r.URL.Query().Get("since")
		m.seen = append(m.seen, since)
		failNow := m.fail[since]
		if failNow {
			delete(m.fail, since)
		}
		page := m.pages[since]
		m.mu.Unlock()

		if failNow {
			http.Error(w, `{"error":"temporarily unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"messages": page})
	})
}

func TestPollerCursorAdvance(t *testing.T) {
	mb := &scriptedMailbox{
		pages: map[string][]StoredEnvelope{
			"":   {{ID: "01A"}, {ID: "01B"}},
			"01B": {{ID: "01C"}},
			"01C": {},
		},
	}
	srv := httptest.NewServer(mb.handler())
	defer srv.Close()

	p := New(srv.URL, newClientAgent(t), zerolog.Nop()).NewPoller(Filter{})

	msgs, err := p.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || p.Cursor() != "01B" {
		t.Fatalf("first page: got %d msgs, cursor %q", len(msgs), p.Cursor())
	}

	msgs, err = p.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || p.Cursor() != "01C" {
		t.Fatalf("second page: got %d msgs, cursor %q", len(msgs), p.Cursor())
	}

	// An empty page leaves the cursor where it was.
	if _, err := p.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.Cursor() != "01C" {
		t.Errorf("empty page moved cursor to %q", p.Cursor())
	}
}

func TestPollerStartsAtFilterSince(t *testing.T) {
	mb := &scriptedMailbox{
		pages: map[string][]StoredEnvelope{
			"":    {{ID: "01A"}, {ID: "01B"}, {ID: "01C"}},
			"01B": {{ID: "01C"}},
		},
	}
	srv := httptest.NewServer(mb.handler())
	defer srv.Close()

	p := New(srv.URL, newClientAgent(t), zerolog.Nop()).NewPoller(Filter{Since: "01B"})

	msgs, err := p.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// The very first poll must carry the starting cursor. Polling from ""
	// instead would replay the whole mailbox after a restart.
	if len(mb.seen) == 0 || mb.seen[0] != "01B" {
		t.Fatalf("first poll used since=%q, want %q", mb.seen, "01B")
	}
	if len(msgs) != 1 || msgs[0].ID != "01C" {
		t.Fatalf("unexpected page from seeded cursor: %+v", msgs)
	}
	if p.Cursor() != "01C" {
		t.Errorf("cursor = %q, want 01C", p.Cursor())
	}
}

func TestPollerErrorDoesNotSkip(t *testing.T) {
	mb := &scriptedMailbox{
		pages: map[string][]StoredEnvelope{
			"": {{ID: "01A"}},
		},
		fail: map[string]bool{"": true},
	}
	srv := httptest.NewServer(mb.handler())
	defer srv.Close()

	p := New(srv.URL, newClientAgent(t), zerolog.Nop()).NewPoller(Filter{})

	if _, err := p.Next(context.Background()); err == nil {
		t.Fatal("expected first poll to fail")
	}
	if p.Cursor() != "" {
		t.Fatalf("failed poll advanced cursor to %q", p.Cursor())
	}

	// The retry replays the same cursor and nothing is lost.
	msgs, err := p.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "01A" {
		t.Fatalf("retry did not replay the missed page: %+v", msgs)
	}
}

func TestPollFilterQuery(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"messages":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, newClientAgent(t), zerolog.Nop())
	_, err := c.Poll(context.Background(), Filter{
		Since:   "01H",
		Type:    envelope.TypeOffer,
		Thread:  "req_42",
		Timeout: 1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		"since":   "01H",
		"type":    "OFFER",
		"thread":  "req_42",
		"timeout": "1500",
	}
	for k, v := range want {
		if got := gotQuery[k]; len(got) != 1 || got[0] != v {
			t.Errorf("query %s = %v, want %q", k, got, v)
		}
	}
}

func TestCursorNowSkipsHistory(t *testing.T) {
	before := CursorNow()
	time.Sleep(2 * time.Millisecond)
	after := CursorNow()
	if !(before < after) {
		t.Errorf("cursors not time-ordered: %q then %q", before, after)
	}
}
