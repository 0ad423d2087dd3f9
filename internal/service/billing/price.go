package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/store"
)

// PriceResolver resolves the credits charged per task: the session's
// negotiated price, then the check mode price, then the fallback.
type PriceResolver struct {
	prices   store.PriceStore
	fallback int64
}

// NewPriceResolver creates a PriceResolver.
func NewPriceResolver(prices store.PriceStore, fallback int64) *PriceResolver {
	if prices == nil {
		panic("price store cannot be nil")
	}
	return &PriceResolver{prices: prices, fallback: fallback}
}

// ForMode returns the check mode price, or the fallback if none is set.
func (r *PriceResolver) ForMode(ctx context.Context, mode domain.CheckMode) (int64, error) {
	price, err := r.prices.GetPrice(ctx, mode)
	if err == nil {
		return price, nil
	}
	if errors.Is(err, store.ErrPriceNotFound) {
		return r.fallback, nil
	}
	return 0, fmt.Errorf("resolve price for %s: %w", mode, err)
}

// ForSession returns the price a session's tasks are billed at. Sessions
// carry the price negotiated at submission; a session without one falls
// back to the check mode price.
func (r *PriceResolver) ForSession(ctx context.Context, sess *domain.Session) (int64, error) {
	if sess != nil && sess.PricePerTask > 0 {
		return sess.PricePerTask, nil
	}
	mode := domain.CheckModeQuick
	if sess != nil {
		mode = sess.CheckMode
	}
	return r.ForMode(ctx, mode)
}
