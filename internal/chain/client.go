// Package chain wraps an Ethereum JSON-RPC endpoint with the few operations
// on-chain settlement needs: submit a native or ERC-20 transfer, wait for N
// confirmations, and look a confirmed transfer back up by hash.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

var (
	ErrTxNotFound   = errors.New("transaction not found")
	ErrTxFailed     = errors.New("transaction reverted")
	ErrNotATransfer = errors.New("transaction is not a recognized transfer")
)

// erc20TransferSelector is the 4-byte selector of transfer(address,uint256).
var erc20TransferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// transferEventTopic is the topic hash of Transfer(address,address,uint256).
var transferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const (
	nativeGasLimit = 21000
	erc20GasLimit  = 90000
	tokenDecimals  = 18
)

// Client talks to one chain with one signing key.
type Client struct {
	ec      *ethclient.Client
	chainID *big.Int
	key     *ecdsa.PrivateKey
	address common.Address
	logger  zerolog.Logger
}

// Dial connects to an RPC endpoint. keyHex may be empty for a read-only
// client (verification without the ability to send).
func Dial(ctx context.Context, rpcURL, keyHex string, logger zerolog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain dial: %w", err)
	}
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}

	c := &Client{ec: ec, chainID: chainID, logger: logger}
	if keyHex != "" {
		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			return nil, fmt.Errorf("chain key: %w", err)
		}
		c.key = key
		c.address = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// Address returns the client's signing address.
func (c *Client) Address() common.Address { return c.address }

// ChainID returns the connected chain's id as a string.
func (c *Client) ChainID() string { return c.chainID.String() }

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.ec.Close() }

// Transfer sends `amount` units of native currency (or of the ERC-20 at
// `token`, if non-zero) to `to` and returns the transaction hash.
func (c *Client) Transfer(ctx context.Context, to common.Address, amount float64, token common.Address) (string, error) {
	if c.key == nil {
		return "", errors.New("chain client has no signing key")
	}

	nonce, err := c.ec.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := c.ec.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}

	wei := UnitsToWei(amount)
	var tx *types.Transaction
	if token == (common.Address{}) {
		tx = types.NewTransaction(nonce, to, wei, nativeGasLimit, gasPrice, nil)
	} else {
		data := packERC20Transfer(to, wei)
		tx = types.NewTransaction(nonce, token, big.NewInt(0), erc20GasLimit, gasPrice, data)
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := c.ec.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}

	hash := signed.Hash().Hex()
	c.logger.Info().
		Str("tx", hash).
		Str("to", to.Hex()).
		Float64("amount", amount).
		Msg("transfer submitted")
	return hash, nil
}

// WaitConfirmed polls until the transaction has the requested number of
// confirmations or the context expires.
func (c *Client) WaitConfirmed(ctx context.Context, txHash string, confirmations uint64, interval time.Duration) error {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := c.ec.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: %s", ErrTxFailed, txHash)
			}
			head, err := c.ec.BlockNumber(ctx)
			if err == nil && head >= receipt.BlockNumber.Uint64()+confirmations {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Transfer describes a confirmed value movement extracted from a transaction.
type Transfer struct {
	TxHash        string
	From          common.Address
	To            common.Address
	Amount        float64
	Token         common.Address // zero for native transfers
	Confirmations uint64
	Confirmed     bool
}

// LookupTransfer resolves a transaction hash into the transfer it performed.
// Native value transfers and ERC-20 transfer() calls are recognized; the
// ERC-20 case reads the Transfer event from the receipt logs.
func (c *Client) LookupTransfer(ctx context.Context, txHash string) (*Transfer, error) {
	hash := common.HexToHash(txHash)

	tx, pending, err := c.ec.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txHash)
	}

	out := &Transfer{TxHash: txHash}
	if pending {
		return out, nil // not yet mined, zero confirmations
	}

	receipt, err := c.ec.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrTxFailed, txHash)
	}

	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	out.From = from

	if tx.Value().Sign() > 0 && tx.To() != nil {
		out.To = *tx.To()
		out.Amount = WeiToUnits(tx.Value())
	} else {
		// ERC-20 path: find the Transfer event emitted by the token.
		found := false
		for _, lg := range receipt.Logs {
			if len(lg.Topics) == 3 && lg.Topics[0] == transferEventTopic {
				out.Token = lg.Address
				out.From = common.BytesToAddress(lg.Topics[1].Bytes())
				out.To = common.BytesToAddress(lg.Topics[2].Bytes())
				out.Amount = WeiToUnits(new(big.Int).SetBytes(lg.Data))
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrNotATransfer, txHash)
		}
	}

	head, err := c.ec.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	if head >= receipt.BlockNumber.Uint64() {
		out.Confirmations = head - receipt.BlockNumber.Uint64()
	}
	out.Confirmed = true
	return out, nil
}

// packERC20Transfer builds calldata for transfer(to, amount).
func packERC20Transfer(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, erc20TransferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// UnitsToWei converts a decimal token amount to its 18-decimal integer form.
func UnitsToWei(amount float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(amount), big.NewFloat(1e18))
	wei, _ := f.Int(nil)
	return wei
}

// WeiToUnits converts an 18-decimal integer amount to a decimal token amount.
func WeiToUnits(wei *big.Int) float64 {
	f := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18))
	out, _ := f.Float64()
	return out
}
