// Package valuation turns raw wallet holdings into a single portfolio
// value the settlement math can compare.
package valuation

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/bandforband/dueld/internal/domain"
)

// PortfolioValuator values a wallet as its native balance plus each allowed
// token's balance priced into native base units. A token whose price cannot
// be fetched contributes zero rather than failing the whole wallet; a
// wallet whose balances cannot be read at all does fail, so the caller can
// decide how to degrade.
type PortfolioValuator struct {
	wallets domain.WalletReader
	prices  domain.PriceSource
	logger  *slog.Logger
}

// New creates a PortfolioValuator.
func New(wallets domain.WalletReader, prices domain.PriceSource, logger *slog.Logger) *PortfolioValuator {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortfolioValuator{
		wallets: wallets,
		prices:  prices,
		logger:  logger.With(slog.String("component", "valuation")),
	}
}

// Value implements domain.Valuator.
func (v *PortfolioValuator) Value(ctx context.Context, wallet string, tokens []string) (uint64, error) {
	native, err := v.wallets.NativeBalance(ctx, wallet)
	if err != nil {
		return 0, fmt.Errorf("valuation: native balance of %s: %w", wallet, err)
	}

	total := native
	if len(tokens) == 0 {
		return total, nil
	}

	holdings, err := v.wallets.TokenHoldings(ctx, wallet, tokens)
	if err != nil {
		return 0, fmt.Errorf("valuation: token holdings of %s: %w", wallet, err)
	}

	for _, h := range holdings {
		if h.Amount == 0 {
			continue
		}
		price, err := v.prices.Price(ctx, h.AssetID)
		if err != nil {
			v.logger.WarnContext(ctx, "price unavailable, token contributes zero",
				slog.String("asset", h.AssetID),
				slog.String("wallet", wallet),
				slog.String("error", err.Error()),
			)
			continue
		}
		total, err = addPriced(total, h.Amount, price)
		if err != nil {
			return 0, fmt.Errorf("valuation: %s holding of %s: %w", h.AssetID, wallet, err)
		}
	}
	return total, nil
}

// addPriced adds amount*price to total, guarding against negative prices
// and uint64 overflow.
func addPriced(total, amount uint64, price float64) (uint64, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return total, nil
	}
	scaled := float64(amount) * price
	if scaled >= float64(math.MaxUint64) {
		return 0, domain.ErrValueOverflow
	}
	contribution := uint64(scaled)
	if total+contribution < total {
		return 0, domain.ErrValueOverflow
	}
	return total + contribution, nil
}
