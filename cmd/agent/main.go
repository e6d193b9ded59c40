package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pactmesh/pact/internal/chain"
	"github.com/pactmesh/pact/internal/config"
	"github.com/pactmesh/pact/internal/envelope"
	"github.com/pactmesh/pact/internal/escrow"
	"github.com/pactmesh/pact/internal/governor"
	"github.com/pactmesh/pact/internal/identity"
	"github.com/pactmesh/pact/internal/negotiate"
	"github.com/pactmesh/pact/internal/relay"
)

// echoService is the built-in demo capability: it quotes a flat price and
// returns the request parameters as the task output.
type echoService struct {
	price float64
}

func (s echoService) Quote(ctx context.Context, req *envelope.RequestPayload) (float64, error) {
	return s.price, nil
}

func (s echoService) Execute(ctx context.Context, task *negotiate.PendingTask) (any, error) {
	return map[string]any{
		"intent": task.Request.Intent,
		"params": task.Request.Params,
	}, nil
}

func main() {
	price := flag.Float64("price", 0.10, "Flat quote in USD for every accepted intent")
	metricsAddr := flag.String("metrics", "", "Optional listen address for /metrics (e.g. :9090)")
	flag.Parse()

	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	id, err := loadOrCreateIdentity(cfg.KeyDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("identity setup failed")
	}
	logger.Info().Str("did", id.DID).Msg("agent identity loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := relay.New(cfg.RelayURL, id, logger)
	policy := escrow.Policy{AmountTolerance: cfg.AmountTolerance}

	var settlement escrow.Backend
	var payoutAddress, network string
	switch cfg.EscrowMode {
	case "onchain":
		chainClient, err := chain.Dial(ctx, cfg.ChainRPCURL, cfg.ChainKeyHex, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("chain connection failed")
		}
		defer chainClient.Close()
		settlement = escrow.NewOnchainBackend(chainClient, cfg.Confirmations, cfg.DepositPollInterval, policy, logger)
		payoutAddress = chainClient.Address().Hex()
		network = chainClient.ChainID()
		logger.Info().Str("address", payoutAddress).Str("chain_id", network).Msg("onchain settlement ready")
	default:
		settlement = escrow.NewRelayBackend(client, policy, logger)
	}

	capabilities := cfg.Capabilities
	if len(capabilities) == 0 {
		capabilities = []string{"echo"}
	}
	svc := echoService{price: *price}

	engine := negotiate.NewEngine(negotiate.Options{
		Identity:   id,
		Relay:      client,
		Settlement: settlement,
		Quoter:     svc,
		Executor:   svc,

		Capabilities:  capabilities,
		PayoutAddress: payoutAddress,
		Network:       network,

		Limiter: governor.NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		Slots:   governor.NewSemaphore(cfg.MaxConcurrent),

		PollInterval:        cfg.PollInterval,
		DepositTimeout:      cfg.DepositTimeout,
		DepositPollInterval: cfg.DepositPollInterval,

		Logger: logger,
	})

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info().Str("addr", *metricsAddr).Msg("serving metrics")
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	logger.Info().
		Strs("capabilities", capabilities).
		Str("escrow_mode", cfg.EscrowMode).
		Msg("starting worker engine")

	if err := engine.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("engine stopped")
	}
	logger.Info().Msg("agent stopped")
}

// loadOrCreateIdentity reads the keystore, generating and persisting a
// fresh key pair on first run.
func loadOrCreateIdentity(dir string) (*identity.Identity, error) {
	id, err := identity.Load(dir)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	id, err = identity.Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Save(dir); err != nil {
		return nil, err
	}
	return id, nil
}
