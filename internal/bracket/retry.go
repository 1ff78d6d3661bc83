package bracket

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"

	"cryptoBracketBot/internal/domain"
	"cryptoBracketBot/internal/ports"
)

// RetryPolicy governs protective order placement. Each order variant is
// attempted up to MaxAttempts times while the error is retryable; a
// non-retryable error moves on to the next variant, a fatal one stops all
// variants.
type RetryPolicy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Retryable   func(error) bool
	Fatal       func(error) bool
}

// DefaultRetryPolicy retries transient transport failures twice.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		MinBackoff:  250 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
		Retryable:   IsTransient,
		Fatal:       IsFatal,
	}
}

// IsTransient reports errors worth repeating unchanged.
func IsTransient(err error) bool {
	return errors.Is(err, ports.ErrRateLimited) ||
		errors.Is(err, ports.ErrTimeout) ||
		errors.Is(err, ports.ErrConnectionFailed) ||
		errors.Is(err, ports.ErrExchangeUnavailable)
}

// IsFatal reports errors no order variant can recover from.
func IsFatal(err error) bool {
	return errors.Is(err, ports.ErrAuthenticationFailed) ||
		errors.Is(err, ports.ErrInvalidAPIKeys) ||
		errors.Is(err, ports.ErrPermissionDenied) ||
		errors.Is(err, ports.ErrContextCanceled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable == nil {
		return IsTransient(err)
	}
	return p.Retryable(err)
}

func (p RetryPolicy) fatal(err error) bool {
	if p.Fatal == nil {
		return IsFatal(err)
	}
	return p.Fatal(err)
}

// create submits req, repeating on retryable errors with exponential backoff.
func (p RetryPolicy) create(ctx context.Context, gw ports.ExchangeGateway, req domain.OrderRequest) (*domain.OrderHandle, error) {
	var h *domain.OrderHandle
	err := p.do(ctx, func() error {
		var err error
		h, err = gw.CreateOrder(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// cancel cancels orderID under the same policy. An order that no longer
// exists counts as canceled.
func (p RetryPolicy) cancel(ctx context.Context, gw ports.ExchangeGateway, symbol, orderID string) error {
	return p.do(ctx, func() error {
		err := gw.CancelOrder(ctx, symbol, orderID)
		if errors.Is(err, ports.ErrOrderNotFound) {
			return nil
		}
		return err
	})
}

func (p RetryPolicy) do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := &backoff.Backoff{Min: p.MinBackoff, Max: p.MaxBackoff, Factor: 2}

	var lastErr error
	for i := 0; i < attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if i == attempts-1 || !p.retryable(err) {
			break
		}
		wait := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-wait.C:
		}
	}
	return lastErr
}
