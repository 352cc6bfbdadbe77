package receipts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/telemetry"
)

const DefaultSubject = "receipt.send"

// Requester is the request/reply subset of *nats.Conn.
type Requester interface {
	Request(subj string, data []byte, timeout time.Duration) (*nats.Msg, error)
}

// ReceiptRequest is the message sent to the receipt service.
type ReceiptRequest struct {
	DedupeKey   string             `json:"dedupe_key"`
	RecordID    int64              `json:"record_id"`
	Code        string             `json:"code"`
	PaymentID   string             `json:"payment_id"`
	Amount      string             `json:"amount"`
	Currency    string             `json:"currency"`
	Status      string             `json:"status"`
	Environment models.Environment `json:"environment"`
	Submitted   *time.Time         `json:"submitted,omitempty"`
}

type ReceiptResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NATSDispatcher asks the receipt service to render and send a receipt. The
// dedupe key is claimed before sending and never released, so a key yields
// at most one request even when the request itself fails.
type NATSDispatcher struct {
	nc      Requester
	dedupe  Deduper
	subject string
	timeout time.Duration
}

func NewNATSDispatcher(nc Requester, dedupe Deduper, timeout time.Duration) *NATSDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSDispatcher{
		nc:      nc,
		dedupe:  dedupe,
		subject: DefaultSubject,
		timeout: timeout,
	}
}

func (d *NATSDispatcher) TrySend(ctx context.Context, p *models.PaymentRecord, dedupeKey string) {
	logger := telemetry.Logger.With(
		zap.Int64("record_id", p.ID),
		zap.String("code", p.Code),
		zap.String("dedupe_key", dedupeKey),
	)

	claimed, err := d.dedupe.Claim(ctx, dedupeKey)
	if err != nil {
		logger.Warn("Receipt dedupe unavailable, not sending", zap.Error(err))
		telemetry.ReceiptsSent.WithLabelValues("dedupe_error").Inc()
		return
	}
	if !claimed {
		logger.Info("Receipt already sent for key")
		telemetry.ReceiptsSent.WithLabelValues("duplicate").Inc()
		return
	}

	if err := d.send(p, dedupeKey); err != nil {
		logger.Warn("Receipt dispatch failed", zap.Error(err))
		telemetry.ReceiptsSent.WithLabelValues("failed").Inc()
		return
	}

	logger.Info("Receipt sent")
	telemetry.ReceiptsSent.WithLabelValues("sent").Inc()
}

func (d *NATSDispatcher) send(p *models.PaymentRecord, dedupeKey string) error {
	req := ReceiptRequest{
		DedupeKey:   dedupeKey,
		RecordID:    p.ID,
		Code:        p.Code,
		Amount:      p.AuthorizedAmount,
		Currency:    p.Currency,
		Status:      p.Status,
		Environment: p.Environment,
		Submitted:   p.Submitted,
	}
	if p.PaymentID != nil {
		req.PaymentID = *p.PaymentID
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	msg, err := d.nc.Request(d.subject, payload, d.timeout)
	if err != nil {
		return fmt.Errorf("request %s: %w", d.subject, err)
	}

	var resp ReceiptResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return fmt.Errorf("decode receipt response: %w", err)
	}
	if resp.Status != "sent" {
		return fmt.Errorf("receipt service returned %q: %s", resp.Status, resp.Error)
	}
	return nil
}

// LogDispatcher only logs. It stands in when no receipt service is
// configured.
type LogDispatcher struct{}

func (LogDispatcher) TrySend(_ context.Context, p *models.PaymentRecord, dedupeKey string) {
	telemetry.Logger.Info("Receipt dispatch disabled",
		zap.Int64("record_id", p.ID),
		zap.String("code", p.Code),
		zap.String("dedupe_key", dedupeKey),
	)
}
