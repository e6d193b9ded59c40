package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/pactmesh/pact/internal/envelope"
	"github.com/pactmesh/pact/internal/escrow"
	"github.com/pactmesh/pact/internal/governor"
	"github.com/pactmesh/pact/internal/identity"
	"github.com/pactmesh/pact/internal/metrics"
	"github.com/pactmesh/pact/internal/relay"
)

// Quoter prices a request. A Quote error makes the worker respond
// UNAVAILABLE for that request.
type Quoter interface {
	Quote(ctx context.Context, req *envelope.RequestPayload) (float64, error)
}

// Executor performs the paid step after deposit confirmation.
type Executor interface {
	Execute(ctx context.Context, task *PendingTask) (any, error)
}

// Options configure a worker engine.
type Options struct {
	Identity   *identity.Identity
	Relay      *relay.Client
	Settlement escrow.Backend
	Quoter     Quoter
	Executor   Executor

	Capabilities []string
	Currency     string // quote currency, default USD

	// On-chain offers advertise this deposit address and network.
	PayoutAddress string
	Network       string

	Limiter *governor.RateLimiter
	Slots   *governor.Semaphore

	PollInterval        time.Duration
	OfferTTL            time.Duration // pending task lifetime without an ACCEPT
	DepositTimeout      time.Duration
	DepositPollInterval time.Duration

	Logger zerolog.Logger
}

// Engine runs the worker role: it answers REQUESTs with OFFERs and turns
// ACCEPTs into settled or refunded RESULTs.
type Engine struct {
	opts    Options
	caps    map[string]bool
	pending *pendingTasks
	logger  zerolog.Logger
}

// NewEngine creates a worker engine.
func NewEngine(opts Options) *Engine {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.OfferTTL <= 0 {
		opts.OfferTTL = 5 * time.Minute
	}
	if opts.DepositTimeout <= 0 {
		opts.DepositTimeout = 120 * time.Second
	}
	if opts.DepositPollInterval <= 0 {
		opts.DepositPollInterval = 3 * time.Second
	}

	caps := make(map[string]bool, len(opts.Capabilities))
	for _, c := range opts.Capabilities {
		caps[c] = true
	}
	return &Engine{
		opts:    opts,
		caps:    caps,
		pending: newPendingTasks(),
		logger:  opts.Logger.With().Str("component", "engine").Logger(),
	}
}

// Run registers with the relay and drives the handler loops until the
// context is cancelled. Registration failure is logged but non-fatal.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.opts.Relay.Register(ctx, e.opts.Capabilities); err != nil {
		e.logger.Warn().Err(err).Msg("relay registration failed, continuing")
	} else {
		e.logger.Info().Strs("capabilities", e.opts.Capabilities).Msg("registered with relay")
	}

	since := relay.CursorNow()
	go e.pollLoop(ctx, envelope.TypeRequest, since, e.handleRequest)
	go e.pollLoop(ctx, envelope.TypeAccept, since, e.dispatchAccept)
	go e.pollLoop(ctx, envelope.TypeRating, since, e.handleRating)
	go e.janitor(ctx)

	<-ctx.Done()
	return ctx.Err()
}

// pollLoop consumes one filtered poll stream with its own cursor. Handler
// loops for different types run concurrently; correlation is always by
// request_id, never by arrival order.
func (e *Engine) pollLoop(ctx context.Context, t envelope.Type, since string, handle func(context.Context, envelope.Envelope)) {
	poller := e.opts.Relay.NewPoller(relay.Filter{
		Since:   since,
		Type:    t,
		Timeout: e.opts.PollInterval,
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := poller.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn().Err(err).Str("type", string(t)).Msg("poll failed")
			sleepCtx(ctx, e.opts.PollInterval)
			continue
		}

		for _, msg := range msgs {
			env := msg.Envelope
			if env.Sender.ID == e.opts.Identity.DID {
				continue
			}
			if !envelope.Verify(env) {
				metrics.EnvelopesRejected.Inc()
				e.logger.Debug().Str("sender", env.Sender.ID).Msg("discarding envelope with bad signature")
				continue
			}
			metrics.EnvelopesReceived.WithLabelValues(string(env.Type)).Inc()
			handle(ctx, env)
		}

		if len(msgs) == 0 {
			sleepCtx(ctx, e.opts.PollInterval)
		}
	}
}

// handleRequest quotes a REQUEST and answers with OFFER, ERROR, or silence.
func (e *Engine) handleRequest(ctx context.Context, env envelope.Envelope) {
	// Peek at the intent first: requests for capabilities we don't declare
	// are not addressed to us and are dropped without a response.
	var peek struct {
		RequestID string `json:"request_id"`
		Intent    string `json:"intent"`
	}
	if err := json.Unmarshal(env.Payload, &peek); err != nil || !e.caps[peek.Intent] {
		return
	}

	req, err := envelope.DecodeRequest(env)
	if err != nil {
		e.logger.Info().Err(err).Str("request_id", peek.RequestID).Msg("malformed request")
		e.sendError(ctx, env.Thread.ID, peek.RequestID, envelope.CodeInvalidRequest, map[string]any{
			"reason": err.Error(),
		})
		metrics.NegotiationsTotal.WithLabelValues("worker", "rejected").Inc()
		return
	}

	log := e.logger.With().Str("request_id", req.RequestID).Str("intent", req.Intent).Logger()

	price, err := e.opts.Quoter.Quote(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("quote failed")
		e.sendError(ctx, env.Thread.ID, req.RequestID, envelope.CodeUnavailable, map[string]any{
			"reason": "cannot quote this request",
		})
		metrics.NegotiationsTotal.WithLabelValues("worker", "rejected").Inc()
		return
	}

	// A declared budget below our price is a rejection, never a discount.
	if req.Constraints != nil && req.Constraints.MaxCostUSD != nil && *req.Constraints.MaxCostUSD < price {
		log.Info().
			Float64("price", price).
			Float64("max_cost", *req.Constraints.MaxCostUSD).
			Msg("budget below price")
		e.sendError(ctx, env.Thread.ID, req.RequestID, envelope.CodeInsufficientBudget, map[string]any{
			"price": price,
		})
		metrics.NegotiationsTotal.WithLabelValues("worker", "rejected").Inc()
		return
	}

	task := &PendingTask{
		Request:   req,
		Requester: env.Sender.ID,
		Price:     price,
		Currency:  e.opts.Currency,
		Sealed:    req.Constraints != nil && req.Constraints.Sealed,
		CreatedAt: time.Now(),
	}
	if !e.pending.put(req.RequestID, task) {
		log.Debug().Msg("request already has a pending offer")
		return
	}

	offer := envelope.OfferPayload{
		RequestID:  req.RequestID,
		Price:      envelope.Price{Amount: price, Currency: e.opts.Currency},
		ETASeconds: int(e.opts.DepositTimeout.Seconds()),
		Escrow: envelope.EscrowTerms{
			Mode:      string(e.opts.Settlement.Mode()),
			Address:   e.opts.PayoutAddress,
			Network:   e.opts.Network,
			RequestID: req.RequestID,
			Amount:    price,
			Currency:  e.opts.Currency,
			Payee:     e.opts.Identity.DID,
		},
	}
	if err := e.send(ctx, envelope.TypeOffer, env.Thread.ID, offer); err != nil {
		log.Error().Err(err).Msg("failed to send offer")
		e.pending.take(req.RequestID)
		return
	}
	log.Info().Float64("price", price).Msg("offer sent")
}

// dispatchAccept runs each settlement in its own goroutine. WaitDeposit can
// block for the full deposit timeout, and one slow deposit must not stall
// the ACCEPT stream; the governor bounds the paid steps themselves, and the
// pending-task take keeps each request_id on exactly one goroutine.
func (e *Engine) dispatchAccept(ctx context.Context, env envelope.Envelope) {
	go e.handleAccept(ctx, env)
}

// handleAccept settles one accepted negotiation end to end: deposit wait,
// governed execution, escrow resolution, terminal RESULT.
func (e *Engine) handleAccept(ctx context.Context, env envelope.Envelope) {
	accept, err := envelope.DecodeAccept(env)
	if err != nil {
		e.logger.Debug().Err(err).Msg("ignoring malformed accept")
		return
	}

	// A second ACCEPT for the same request finds no pending task. Silent
	// no-op: the first acceptance already owns the negotiation.
	task := e.pending.take(accept.RequestID)
	if task == nil {
		e.logger.Debug().Str("request_id", accept.RequestID).Msg("accept without pending task (duplicate or unknown)")
		return
	}

	log := e.logger.With().Str("request_id", accept.RequestID).Logger()
	log.Info().Str("payment_tx", accept.PaymentTx).Msg("accept received, awaiting deposit")

	exp := escrow.Expected{
		Payee:  e.payeeRef(),
		Amount: task.Price,
		Chain:  accept.Chain,
		Token:  accept.Token,
	}
	if e.opts.Settlement.Mode() == escrow.ModeRelay {
		exp.Payer = env.Sender.ID
	} else if payer, ok := accept.Terms["payer_address"].(string); ok {
		exp.Payer = payer
	}

	depositStart := time.Now()
	err = escrow.WaitDeposit(ctx, e.opts.Settlement, accept.RequestID, accept.PaymentTx, exp,
		e.opts.DepositPollInterval, e.opts.DepositTimeout)
	metrics.DepositWaitSeconds.Observe(time.Since(depositStart).Seconds())
	if err != nil {
		log.Warn().Err(err).Msg("deposit not confirmed")
		e.failNegotiation(ctx, env.Thread.ID, task, accept.RequestID, err)
		return
	}

	// Paid step runs under the governor: rate window first, then a slot.
	governorStart := time.Now()
	if err := e.opts.Limiter.Wait(ctx); err != nil {
		e.failNegotiation(ctx, env.Thread.ID, task, accept.RequestID, err)
		return
	}
	if err := e.opts.Slots.Acquire(ctx); err != nil {
		e.failNegotiation(ctx, env.Thread.ID, task, accept.RequestID, err)
		return
	}
	metrics.GovernorWaitSeconds.Observe(time.Since(governorStart).Seconds())

	execStart := time.Now()
	output, execErr := e.opts.Executor.Execute(ctx, task)
	e.opts.Slots.Release()
	metrics.PaidStepSeconds.Observe(time.Since(execStart).Seconds())

	if execErr != nil {
		log.Warn().Err(execErr).Msg("paid step failed")
		e.failNegotiation(ctx, env.Thread.ID, task, accept.RequestID, execErr)
		return
	}

	if _, err := e.opts.Settlement.Release(ctx, accept.RequestID); err != nil {
		// Execution succeeded but the payout did not land; the escrow record
		// stays HELD and remains the source of truth for manual resolution.
		log.Error().Err(err).Msg("escrow release failed after execution")
	} else {
		metrics.SettlementsTotal.WithLabelValues(string(e.opts.Settlement.Mode()), "released").Inc()
	}

	result := envelope.ResultPayload{
		RequestID: accept.RequestID,
		Status:    envelope.StatusSuccess,
		Metrics: envelope.ResultMetrics{
			LatencyMS:  time.Since(execStart).Milliseconds(),
			CostActual: task.Price,
		},
	}
	if err := e.attachOutput(&result, task, output); err != nil {
		log.Error().Err(err).Msg("failed to encode output")
	}

	if err := e.send(ctx, envelope.TypeResult, env.Thread.ID, result); err != nil {
		log.Error().Err(err).Msg("failed to send result")
		return
	}
	metrics.NegotiationsTotal.WithLabelValues("worker", "settled").Inc()
	log.Info().Float64("cost_actual", task.Price).Msg("negotiation settled")
}

// handleRating records post-settlement feedback. No protocol action follows.
func (e *Engine) handleRating(ctx context.Context, env envelope.Envelope) {
	rating, err := envelope.DecodeRating(env)
	if err != nil {
		return
	}
	metrics.RatingsReceived.WithLabelValues(strconv.Itoa(rating.Score)).Inc()
	e.logger.Info().
		Str("request_id", rating.RequestID).
		Int("score", rating.Score).
		Str("from", env.Sender.ID).
		Msg("rating received")
}

// failNegotiation refunds whatever is held and emits RESULT(failed). Every
// created pending task ends in exactly one RESULT or ERROR.
func (e *Engine) failNegotiation(ctx context.Context, threadID string, task *PendingTask, requestID string, cause error) {
	if _, err := e.opts.Settlement.Refund(ctx, requestID); err != nil && !errors.Is(err, escrow.ErrNotFound) {
		e.logger.Error().Err(err).Str("request_id", requestID).Msg("refund failed")
	} else if err == nil {
		metrics.SettlementsTotal.WithLabelValues(string(e.opts.Settlement.Mode()), "refunded").Inc()
	}

	result := envelope.ResultPayload{
		RequestID: requestID,
		Status:    envelope.StatusFailed,
		Metrics:   envelope.ResultMetrics{CostActual: 0},
	}
	if msg, err := json.Marshal(map[string]string{"error": cause.Error()}); err == nil {
		result.Output = msg
	}
	if err := e.send(ctx, envelope.TypeResult, threadID, result); err != nil {
		e.logger.Error().Err(err).Str("request_id", requestID).Msg("failed to send failure result")
	}
	metrics.NegotiationsTotal.WithLabelValues("worker", "failed").Inc()
}

// attachOutput serializes the executor's output, sealing it to the requester
// when the task asked for a sealed result.
func (e *Engine) attachOutput(result *envelope.ResultPayload, task *PendingTask, output any) error {
	raw, err := json.Marshal(output)
	if err != nil {
		return err
	}
	if !task.Sealed {
		result.Output = raw
		return nil
	}
	sealed, err := envelope.Seal(raw, task.Requester)
	if err != nil {
		return err
	}
	result.Output, err = json.Marshal(sealed)
	if err != nil {
		return err
	}
	result.Sealed = true
	return nil
}

// payeeRef is the payee identity deposits must name: our DID in relay mode,
// our chain address in on-chain mode.
func (e *Engine) payeeRef() string {
	if e.opts.Settlement.Mode() == escrow.ModeOnchain {
		return e.opts.PayoutAddress
	}
	return e.opts.Identity.DID
}

func (e *Engine) sendError(ctx context.Context, threadID, requestID, code string, details map[string]any) {
	payload := envelope.ErrorPayload{RequestID: requestID, Code: code, Details: details}
	if err := e.send(ctx, envelope.TypeError, threadID, payload); err != nil {
		e.logger.Error().Err(err).Str("code", code).Msg("failed to send error envelope")
	}
}

// send signs and submits one envelope.
func (e *Engine) send(ctx context.Context, t envelope.Type, threadID string, payload any) error {
	env, err := envelope.New(t, e.opts.Identity.DID, threadID, payload)
	if err != nil {
		return err
	}
	signed, err := envelope.Sign(env, e.opts.Identity.PrivateKey)
	if err != nil {
		return err
	}
	if err := e.opts.Relay.Send(ctx, signed); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	metrics.EnvelopesSent.WithLabelValues(string(t)).Inc()
	return nil
}

// janitor expires pending tasks whose ACCEPT never arrived.
func (e *Engine) janitor(ctx context.Context) {
	ticker := time.NewTicker(e.opts.OfferTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range e.pending.expire(e.opts.OfferTTL) {
				e.logger.Info().Str("request_id", id).Msg("offer expired without accept")
				metrics.NegotiationsTotal.WithLabelValues("worker", "expired").Inc()
			}
		}
	}
}

// PendingCount reports in-flight negotiations, for health reporting.
func (e *Engine) PendingCount() int { return e.pending.len() }

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
