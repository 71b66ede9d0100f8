// Package ethereum wraps go-ethereum's RPC client with the connection,
// ABI-call and transaction-signing helpers the Operations Port's EVM backend
// (pkg/ops) builds on. It does not interpret the coordination program's
// instruction set — that stays the caller's concern. Trimmed to exactly the
// call shapes pkg/ops drives: a read-only ABI call, a signed submission with
// gas-price escalation on retry, and a liveness check; the teacher's
// broader balance/nonce/transactor helper surface (no caller here ever needs
// a standalone balance or nonce lookup — pkg/ops only calls through the
// coordination program) was dropped rather than carried as dead code.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	ethereum "github.com/ethereum/go-ethereum"
)

// Client is a dialed connection to one EVM-compatible RPC endpoint.
type Client struct {
	client  *ethclient.Client
	chainID *big.Int
	url     string
}

// NewClient dials url and remembers chainID for transaction signing.
func NewClient(url string, chainID int64) (*Client, error) {
	client, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("ethereum: dial %s: %w", url, err)
	}
	return &Client{
		client:  client,
		chainID: big.NewInt(chainID),
		url:     url,
	}, nil
}

// GetPublicAddress derives the signer address from a hex-encoded ECDSA
// private key, without needing a dialed Client.
func GetPublicAddress(privateKeyHex string) (common.Address, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("ethereum: parse private key: %w", err)
	}
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return common.Address{}, fmt.Errorf("ethereum: public key is not ECDSA")
	}
	return crypto.PubkeyToAddress(*publicKeyECDSA), nil
}

// Health reports whether the RPC endpoint is reachable and responsive.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.client.BlockNumber(ctx); err != nil {
		return fmt.Errorf("ethereum: health check against %s failed: %w", c.url, err)
	}
	return nil
}

// TransactionResult is the outcome of a mined contract call.
type TransactionResult struct {
	TransactionHash string
	BlockNumber     uint64
	GasUsed         uint64
	GasCost         *big.Int
	Success         bool
	MinedAt         time.Time
}

// CallContract makes a read-only call against contractAddr and unpacks the
// method's declared outputs.
func (c *Client) CallContract(ctx context.Context, contractAddr common.Address, abiJSON, methodName string, params ...interface{}) ([]interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("ethereum: parse abi: %w", err)
	}
	callData, err := contractABI.Pack(methodName, params...)
	if err != nil {
		return nil, fmt.Errorf("ethereum: pack %s: %w", methodName, err)
	}
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &contractAddr, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("ethereum: call %s: %w", methodName, err)
	}
	outputs, err := contractABI.Unpack(methodName, result)
	if err != nil {
		return nil, fmt.Errorf("ethereum: unpack %s: %w", methodName, err)
	}
	return outputs, nil
}

// SendContractTransactionWithRetry signs and submits a transaction calling
// methodName on contractAddr, escalating gas price by 20% per attempt when
// the node reports an underpriced-replacement or stale-nonce condition.
// Succeeds on the first attempt whose submission is accepted and mined.
func (c *Client) SendContractTransactionWithRetry(ctx context.Context, contractAddr common.Address, abiJSON, privateKeyHex, methodName string, gasLimit uint64, maxRetries int, params ...interface{}) (*TransactionResult, error) {
	contractABI, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("ethereum: parse abi: %w", err)
	}
	callData, err := contractABI.Pack(methodName, params...)
	if err != nil {
		return nil, fmt.Errorf("ethereum: pack %s: %w", methodName, err)
	}
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ethereum: parse private key: %w", err)
	}
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ethereum: public key is not ECDSA")
	}
	fromAddress := crypto.PubkeyToAddress(*publicKeyECDSA)

	if maxRetries <= 0 {
		maxRetries = 1
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		nonce, err := c.client.PendingNonceAt(ctx, fromAddress)
		if err != nil {
			return nil, fmt.Errorf("ethereum: pending nonce: %w", err)
		}

		gasPrice, err := c.escalatedGasPrice(ctx, attempt)
		if err != nil {
			return nil, err
		}

		tx := types.NewTransaction(nonce, contractAddr, big.NewInt(0), gasLimit, gasPrice, callData)
		signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), privateKey)
		if err != nil {
			return nil, fmt.Errorf("ethereum: sign %s: %w", methodName, err)
		}

		if err := c.client.SendTransaction(ctx, signedTx); err != nil {
			if attempt < maxRetries-1 && isRetryableSendErr(err) {
				time.Sleep(2 * time.Second)
				continue
			}
			return nil, fmt.Errorf("ethereum: send %s (attempt %d/%d): %w", methodName, attempt+1, maxRetries, err)
		}

		receipt, err := bind.WaitMined(ctx, c.client, signedTx)
		if err != nil {
			return nil, fmt.Errorf("ethereum: await receipt for %s: %w", methodName, err)
		}
		return &TransactionResult{
			TransactionHash: signedTx.Hash().Hex(),
			BlockNumber:     receipt.BlockNumber.Uint64(),
			GasUsed:         receipt.GasUsed,
			GasCost:         new(big.Int).Mul(gasPrice, big.NewInt(int64(receipt.GasUsed))),
			Success:         receipt.Status == types.ReceiptStatusSuccessful,
			MinedAt:         time.Now(),
		}, nil
	}

	return nil, fmt.Errorf("ethereum: send %s: exhausted %d attempts", methodName, maxRetries)
}

// escalatedGasPrice suggests a gas price floored at 5 gwei, raised 20% per
// retry attempt so a stuck transaction's replacement clears the node's
// underpriced-replacement check.
func (c *Client) escalatedGasPrice(ctx context.Context, attempt int) (*big.Int, error) {
	base, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("ethereum: suggest gas price: %w", err)
	}
	minGasPrice := big.NewInt(5 * 1e9)
	if base.Cmp(minGasPrice) < 0 {
		base = minGasPrice
	}
	if attempt == 0 {
		return base, nil
	}
	multiplier := big.NewInt(int64(100 + 20*attempt))
	return new(big.Int).Div(new(big.Int).Mul(base, multiplier), big.NewInt(100)), nil
}

func isRetryableSendErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "already known")
}
