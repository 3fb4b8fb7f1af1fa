// Package evm reads wallet balances from an EVM chain over JSON-RPC. It is
// the oracle's source of truth for what the duel participants actually
// hold; valuation and settlement never write to the chain.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/bandforband/dueld/internal/domain"
)

// erc20ABI is the minimal fragment needed to read token balances.
const erc20ABI = `[{
	"constant": true,
	"inputs": [{"name": "account", "type": "address"}],
	"name": "balanceOf",
	"outputs": [{"name": "", "type": "uint256"}],
	"type": "function"
}]`

// Client implements domain.WalletReader against an EVM JSON-RPC endpoint.
type Client struct {
	eth    *ethclient.Client
	erc20  abi.ABI
	logger *slog.Logger
}

// New dials the JSON-RPC endpoint and returns a Client.
func New(ctx context.Context, rpcURL string, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", rpcURL, err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse erc20 abi: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		eth:    eth,
		erc20:  parsed,
		logger: logger.With(slog.String("component", "evm")),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// NativeBalance returns the wallet's native coin balance at the latest
// block, in base units.
func (c *Client) NativeBalance(ctx context.Context, wallet string) (uint64, error) {
	addr, err := parseAddress(wallet)
	if err != nil {
		return 0, err
	}

	bal, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return 0, fmt.Errorf("evm: balance of %s: %w", wallet, err)
	}
	return toUint64(bal)
}

// TokenHoldings returns the wallet's balance of each given ERC-20 token
// contract, in the token's base units. Tokens that are not valid contract
// addresses are skipped.
func (c *Client) TokenHoldings(ctx context.Context, wallet string, tokens []string) ([]domain.Holding, error) {
	addr, err := parseAddress(wallet)
	if err != nil {
		return nil, err
	}

	holdings := make([]domain.Holding, 0, len(tokens))
	for _, token := range tokens {
		tokenAddr, err := parseAddress(token)
		if err != nil {
			c.logger.DebugContext(ctx, "skipping non-contract token id",
				slog.String("token", token),
			)
			continue
		}

		amount, err := c.balanceOf(ctx, tokenAddr, addr)
		if err != nil {
			return nil, fmt.Errorf("evm: %s balance of %s: %w", token, wallet, err)
		}
		holdings = append(holdings, domain.Holding{AssetID: token, Amount: amount})
	}
	return holdings, nil
}

func (c *Client) balanceOf(ctx context.Context, token, wallet common.Address) (uint64, error) {
	input, err := c.erc20.Pack("balanceOf", wallet)
	if err != nil {
		return 0, fmt.Errorf("pack balanceOf: %w", err)
	}

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return 0, fmt.Errorf("call contract: %w", err)
	}

	results, err := c.erc20.Unpack("balanceOf", out)
	if err != nil {
		return 0, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(results) != 1 {
		return 0, fmt.Errorf("unexpected balanceOf result arity %d", len(results))
	}
	bal, ok := results[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected balanceOf result type %T", results[0])
	}
	return toUint64(bal)
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("evm: invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func toUint64(v *big.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, domain.ErrValueOverflow
	}
	return v.Uint64(), nil
}

// Compile-time interface check.
var _ domain.WalletReader = (*Client)(nil)
