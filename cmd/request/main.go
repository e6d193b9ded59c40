package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/pactmesh/pact/internal/chain"
	"github.com/pactmesh/pact/internal/config"
	"github.com/pactmesh/pact/internal/escrow"
	"github.com/pactmesh/pact/internal/identity"
	"github.com/pactmesh/pact/internal/negotiate"
	"github.com/pactmesh/pact/internal/relay"
)

func main() {
	intent := flag.String("intent", "", "Capability to request (required)")
	paramsJSON := flag.String("params", "{}", "Task parameters as a JSON object")
	maxCost := flag.Float64("max-cost", 0, "Reject offers priced above this USD amount (0 = no cap)")
	sealed := flag.Bool("sealed", false, "Ask for the output encrypted to this agent's key")
	rate := flag.Int("rate", 0, "Send a 1-5 rating after settlement (0 = skip)")
	comment := flag.String("comment", "", "Free-text comment attached to the rating")
	token := flag.String("token", "", "ERC-20 token address for onchain settlement")
	flag.Parse()

	if *intent == "" {
		fmt.Fprintln(os.Stderr, "Usage: request -intent <capability> [-params <json>] [-max-cost <usd>] [-sealed] [-rate <1-5>]")
		os.Exit(1)
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -params JSON: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Load()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
	if !cfg.IsDevelopment() {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	id, err := identity.Load(cfg.KeyDir)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.KeyDir).Msg("no identity in keystore, run genkey first")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := relay.New(cfg.RelayURL, id, logger)
	policy := escrow.Policy{AmountTolerance: cfg.AmountTolerance}

	task := negotiate.TaskRequest{
		Intent: *intent,
		Params: params,
		Sealed: *sealed,
		Token:  *token,
	}
	if *maxCost > 0 {
		task.MaxCostUSD = maxCost
	}

	var settlement escrow.Backend
	switch cfg.EscrowMode {
	case "onchain":
		chainClient, err := chain.Dial(ctx, cfg.ChainRPCURL, cfg.ChainKeyHex, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("chain connection failed")
		}
		defer chainClient.Close()
		settlement = escrow.NewOnchainBackend(chainClient, cfg.Confirmations, cfg.DepositPollInterval, policy, logger)
		task.PayerAddress = chainClient.Address().Hex()
	default:
		settlement = escrow.NewRelayBackend(client, policy, logger)
	}

	requester := negotiate.NewRequester(negotiate.RequesterOptions{
		Identity:   id,
		Relay:      client,
		Settlement: settlement,

		PollInterval:  cfg.PollInterval,
		OfferTimeout:  cfg.OfferTimeout,
		ResultTimeout: cfg.ResultTimeout,

		Logger: logger,
	})

	outcome, err := requester.Do(ctx, task)
	if err != nil {
		var rej *negotiate.Rejected
		if errors.As(err, &rej) {
			logger.Fatal().Str("code", rej.Code).Interface("details", rej.Details).Msg("request rejected")
		}
		logger.Fatal().Err(err).Msg("negotiation failed")
	}

	summary := map[string]any{
		"request_id": outcome.RequestID,
		"worker":     outcome.Worker,
		"price":      outcome.Offer.Price,
		"status":     outcome.Result.Status,
		"output":     json.RawMessage(outcome.Output),
	}
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))

	if *rate > 0 {
		if err := requester.Rate(ctx, outcome.RequestID, *rate, *comment); err != nil {
			logger.Error().Err(err).Msg("rating send failed")
		}
	}
}
