package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pactmesh/pact/internal/envelope"
	"github.com/pactmesh/pact/internal/escrow"
	"github.com/pactmesh/pact/internal/identity"
	"github.com/pactmesh/pact/internal/metrics"
	"github.com/pactmesh/pact/internal/relay"
)

var (
	ErrOfferTimeout  = errors.New("negotiate: no offer before deadline")
	ErrResultTimeout = errors.New("negotiate: no result before deadline")
	ErrOverBudget    = errors.New("negotiate: offered price exceeds budget")
)

// Rejected is returned when the worker answers with an ERROR envelope.
type Rejected struct {
	Code    string
	Details map[string]any
}

func (r *Rejected) Error() string {
	return fmt.Sprintf("negotiate: rejected with %s", r.Code)
}

// RequesterOptions configure the requester role.
type RequesterOptions struct {
	Identity   *identity.Identity
	Relay      *relay.Client
	Settlement escrow.Backend

	PollInterval  time.Duration
	OfferTimeout  time.Duration
	ResultTimeout time.Duration

	Logger zerolog.Logger
}

// Requester sends REQUESTs, funds escrow, and collects RESULTs.
type Requester struct {
	opts   RequesterOptions
	logger zerolog.Logger
}

// NewRequester creates a requester.
func NewRequester(opts RequesterOptions) *Requester {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.OfferTimeout <= 0 {
		opts.OfferTimeout = 30 * time.Second
	}
	if opts.ResultTimeout <= 0 {
		opts.ResultTimeout = 300 * time.Second
	}
	return &Requester{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "requester").Logger(),
	}
}

// TaskRequest describes one task to buy.
type TaskRequest struct {
	Intent     string
	Params     map[string]any
	MaxCostUSD *float64
	Sealed     bool

	// PayerAddress identifies the on-chain payer wallet in onchain mode.
	PayerAddress string
	Token        string
}

// TaskOutcome is the requester's view of a finished negotiation.
type TaskOutcome struct {
	RequestID string
	Worker    string
	Offer     *envelope.OfferPayload
	Result    *envelope.ResultPayload
	Output    []byte // decoded, unsealed output
}

// NewRequestID mints a fresh correlation id. Retrying a failed negotiation
// requires a new id; the protocol never retries a request_id.
func NewRequestID() string {
	return "req_" + uuid.Must(uuid.NewV7()).String()
}

// Do runs one full negotiation: REQUEST, await OFFER, fund escrow, ACCEPT,
// await RESULT. Every wait is bounded; on expiry the negotiation is failed,
// never silently retried.
func (r *Requester) Do(ctx context.Context, task TaskRequest) (*TaskOutcome, error) {
	requestID := NewRequestID()
	log := r.logger.With().Str("request_id", requestID).Str("intent", task.Intent).Logger()

	req := envelope.RequestPayload{
		RequestID: requestID,
		Intent:    task.Intent,
		Params:    task.Params,
	}
	if task.MaxCostUSD != nil || task.Sealed {
		req.Constraints = &envelope.Constraints{MaxCostUSD: task.MaxCostUSD, Sealed: task.Sealed}
	}

	// Watch the whole thread before sending: every reply from the worker
	// (OFFER, ERROR, RESULT) correlates on this request_id.
	replies := r.newReplyStream(r.opts.Relay.NewPoller(relay.Filter{
		Thread:  requestID,
		Timeout: r.opts.PollInterval,
	}))

	if err := r.send(ctx, envelope.TypeRequest, requestID, req); err != nil {
		return nil, err
	}
	log.Info().Msg("request sent")

	offer, err := r.awaitOffer(ctx, replies, requestID)
	if err != nil {
		metrics.NegotiationsTotal.WithLabelValues("requester", "failed").Inc()
		return nil, err
	}
	log.Info().Float64("price", offer.Price.Amount).Str("worker", offer.Escrow.Payee).Msg("offer received")

	if task.MaxCostUSD != nil && offer.Price.Amount > *task.MaxCostUSD {
		metrics.NegotiationsTotal.WithLabelValues("requester", "failed").Inc()
		return nil, fmt.Errorf("%w: offered %.4f, budget %.4f", ErrOverBudget, offer.Price.Amount, *task.MaxCostUSD)
	}

	paymentTx, chainID, err := r.fund(ctx, requestID, offer, task)
	if err != nil {
		metrics.NegotiationsTotal.WithLabelValues("requester", "failed").Inc()
		return nil, fmt.Errorf("funding escrow: %w", err)
	}
	log.Info().Str("payment_tx", paymentTx).Msg("escrow funded")

	accept := envelope.AcceptPayload{
		RequestID: requestID,
		PaymentTx: paymentTx,
		Chain:     chainID,
		Token:     task.Token,
	}
	if task.PayerAddress != "" {
		accept.Terms = map[string]any{"payer_address": task.PayerAddress}
	}
	if err := r.send(ctx, envelope.TypeAccept, requestID, accept); err != nil {
		return nil, err
	}

	result, err := r.awaitResult(ctx, replies, requestID)
	if err != nil {
		metrics.NegotiationsTotal.WithLabelValues("requester", "failed").Inc()
		return nil, err
	}

	outcome := &TaskOutcome{
		RequestID: requestID,
		Worker:    offer.Escrow.Payee,
		Offer:     offer,
		Result:    result,
	}
	if err := r.decodeOutput(outcome); err != nil {
		log.Warn().Err(err).Msg("could not decode result output")
	}

	if result.Status == envelope.StatusSuccess {
		metrics.NegotiationsTotal.WithLabelValues("requester", "settled").Inc()
	} else {
		metrics.NegotiationsTotal.WithLabelValues("requester", "failed").Inc()
	}
	log.Info().Str("status", result.Status).Msg("negotiation finished")
	return outcome, nil
}

// Rate sends post-settlement feedback on the negotiation's thread.
func (r *Requester) Rate(ctx context.Context, requestID string, score int, comment string) error {
	return r.send(ctx, envelope.TypeRating, requestID, envelope.RatingPayload{
		RequestID: requestID,
		Score:     score,
		Comment:   comment,
	})
}

// fund takes custody of the offer's price: a relay ledger hold, or an
// on-chain transfer to the advertised deposit address.
func (r *Requester) fund(ctx context.Context, requestID string, offer *envelope.OfferPayload, task TaskRequest) (paymentTx, chainID string, err error) {
	hold := escrow.HoldRequest{
		RequestID: requestID,
		Payer:     r.opts.Identity.DID,
		Payee:     offer.Escrow.Payee,
		Amount:    offer.Price.Amount,
		Currency:  offer.Price.Currency,
	}
	if r.opts.Settlement.Mode() == escrow.ModeOnchain {
		hold.Payer = task.PayerAddress
		hold.Payee = offer.Escrow.Address
		if task.Token != "" {
			hold.Currency = task.Token
		}
		chainID = offer.Escrow.Network
	}

	rec, err := r.opts.Settlement.Hold(ctx, hold)
	if err != nil {
		return "", "", err
	}
	return rec.TxRef, chainID, nil
}

// awaitOffer polls the thread until an OFFER or ERROR arrives or the offer
// deadline passes.
func (r *Requester) awaitOffer(ctx context.Context, replies *replyStream, requestID string) (*envelope.OfferPayload, error) {
	deadline := time.Now().Add(r.opts.OfferTimeout)
	for {
		env, err := replies.next(ctx, deadline)
		if err != nil {
			if errors.Is(err, errDeadline) {
				return nil, fmt.Errorf("%w: request %s", ErrOfferTimeout, requestID)
			}
			return nil, err
		}

		switch env.Type {
		case envelope.TypeOffer:
			offer, err := envelope.DecodeOffer(*env)
			if err != nil {
				r.logger.Debug().Err(err).Msg("ignoring malformed offer")
				continue
			}
			return offer, nil
		case envelope.TypeError:
			if rej, err := envelope.DecodeError(*env); err == nil {
				return nil, &Rejected{Code: rej.Code, Details: rej.Details}
			}
		}
	}
}

// awaitResult polls the thread until a RESULT arrives or the result deadline
// passes.
func (r *Requester) awaitResult(ctx context.Context, replies *replyStream, requestID string) (*envelope.ResultPayload, error) {
	deadline := time.Now().Add(r.opts.ResultTimeout)
	for {
		env, err := replies.next(ctx, deadline)
		if err != nil {
			if errors.Is(err, errDeadline) {
				return nil, fmt.Errorf("%w: request %s", ErrResultTimeout, requestID)
			}
			return nil, err
		}

		switch env.Type {
		case envelope.TypeResult:
			result, err := envelope.DecodeResult(*env)
			if err != nil {
				r.logger.Debug().Err(err).Msg("ignoring malformed result")
				continue
			}
			return result, nil
		case envelope.TypeError:
			if rej, err := envelope.DecodeError(*env); err == nil {
				return nil, &Rejected{Code: rej.Code, Details: rej.Details}
			}
		}
	}
}

var errDeadline = errors.New("negotiate: wait deadline passed")

// replyStream hands out thread replies one at a time. The poller's cursor
// moves past a whole page at once, so every verified envelope in the page is
// buffered here; skipping one must never lose the ones behind it.
type replyStream struct {
	req    *Requester
	poller *relay.Poller
	buf    []envelope.Envelope
}

func (r *Requester) newReplyStream(poller *relay.Poller) *replyStream {
	return &replyStream{req: r, poller: poller}
}

// next returns the next verified envelope on the thread from another party,
// or errDeadline.
func (s *replyStream) next(ctx context.Context, deadline time.Time) (*envelope.Envelope, error) {
	for {
		if len(s.buf) > 0 {
			env := s.buf[0]
			s.buf = s.buf[1:]
			return &env, nil
		}
		if time.Now().After(deadline) {
			return nil, errDeadline
		}

		msgs, err := s.poller.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.req.logger.Warn().Err(err).Msg("poll failed")
			sleepCtx(ctx, s.req.opts.PollInterval)
			continue
		}

		for _, msg := range msgs {
			env := msg.Envelope
			if env.Sender.ID == s.req.opts.Identity.DID {
				continue
			}
			if !envelope.Verify(env) {
				metrics.EnvelopesRejected.Inc()
				continue
			}
			metrics.EnvelopesReceived.WithLabelValues(string(env.Type)).Inc()
			s.buf = append(s.buf, env)
		}

		if len(s.buf) == 0 {
			sleepCtx(ctx, s.req.opts.PollInterval)
		}
	}
}

// decodeOutput unwraps (and unseals) the result output.
func (r *Requester) decodeOutput(outcome *TaskOutcome) error {
	result := outcome.Result
	if len(result.Output) == 0 {
		return nil
	}
	if !result.Sealed {
		outcome.Output = result.Output
		return nil
	}

	var sealed string
	if err := json.Unmarshal(result.Output, &sealed); err != nil {
		return err
	}
	plain, err := envelope.Open(sealed, r.opts.Identity.PrivateKey)
	if err != nil {
		return err
	}
	outcome.Output = plain
	return nil
}

func (r *Requester) send(ctx context.Context, t envelope.Type, threadID string, payload any) error {
	env, err := envelope.New(t, r.opts.Identity.DID, threadID, payload)
	if err != nil {
		return err
	}
	signed, err := envelope.Sign(env, r.opts.Identity.PrivateKey)
	if err != nil {
		return err
	}
	if err := r.opts.Relay.Send(ctx, signed); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	metrics.EnvelopesSent.WithLabelValues(string(t)).Inc()
	return nil
}
