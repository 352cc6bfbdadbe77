package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/telemetry"
)

// Settler waits until a freshly submitted charge is visible in the gateway's
// transaction index, polling a bounded number of times.
type Settler struct {
	gateway  interfaces.PaymentGateway
	grace    time.Duration
	interval time.Duration
	attempts int
	wait     func(ctx context.Context, d time.Duration) error
}

func NewSettler(gw interfaces.PaymentGateway, grace, interval time.Duration, attempts int) *Settler {
	if attempts < 1 {
		attempts = 1
	}
	return &Settler{
		gateway:  gw,
		grace:    grace,
		interval: interval,
		attempts: attempts,
		wait:     sleepContext,
	}
}

// Confirm returns true once the transaction can be read back. A false result
// with a nil error means the gateway has not caught up within the attempts;
// the error is only ever a configuration fault.
func (s *Settler) Confirm(ctx context.Context, env models.Environment, paymentID string) (bool, error) {
	delay := s.grace
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err := s.wait(ctx, delay); err != nil {
			return false, nil
		}
		delay = s.interval

		res, err := s.gateway.GetTransaction(ctx, env, paymentID)
		if err != nil {
			return false, err
		}
		if res.OK && res.Value.ID != "" {
			telemetry.Logger.Info("Charge settled",
				zap.String("payment_id", paymentID),
				zap.Int("attempt", attempt),
				zap.Int("reason_code", res.Value.ReasonCode()),
			)
			return true, nil
		}
		telemetry.Logger.Debug("Charge not settled yet",
			zap.String("payment_id", paymentID),
			zap.Int("attempt", attempt),
			zap.String("reason", res.Reason),
		)
	}
	return false, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
