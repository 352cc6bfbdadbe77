package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/service"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/telemetry"
)

type Charger interface {
	ChargeOnce(ctx context.Context, id int64) (models.ChargeOutcome, error)
}

type Backfiller interface {
	BackfillPaymentID(ctx context.Context, id int64) (models.ReconcileOutcome, error)
	BackfillCustomerID(ctx context.Context, id int64) (models.ReconcileOutcome, error)
}

type BatchRunner interface {
	RunBatch(ctx context.Context) (*service.BatchReport, error)
}

// RecurringHandler exposes manual triggers for the recurring flow.
type RecurringHandler struct {
	charger    Charger
	backfiller Backfiller
	batch      BatchRunner
}

func NewRecurringHandler(charger Charger, backfiller Backfiller, batch BatchRunner) *RecurringHandler {
	return &RecurringHandler{
		charger:    charger,
		backfiller: backfiller,
		batch:      batch,
	}
}

func (h *RecurringHandler) Charge(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	out, err := h.charger.ChargeOnce(c.Request.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return
	}
	if err != nil {
		telemetry.Logger.Error("Error charging agreement", zap.Int64("agreement_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "state": out.State})
		return
	}

	resp := gin.H{
		"agreement_id": out.AgreementID,
		"state":        out.State,
		"reason":       out.Reason,
		"detail":       out.Detail,
	}
	if out.Child != nil {
		resp["child"] = out.Child
	}
	c.JSON(http.StatusOK, resp)
}

// Reconcile backfills both gateway identifiers, payment id first.
func (h *RecurringHandler) Reconcile(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var results []models.ReconcileOutcome
	for _, fn := range []func(context.Context, int64) (models.ReconcileOutcome, error){
		h.backfiller.BackfillPaymentID,
		h.backfiller.BackfillCustomerID,
	} {
		out, err := fn(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
			return
		}
		if err != nil {
			telemetry.Logger.Error("Error reconciling agreement", zap.Int64("agreement_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		results = append(results, out)
	}

	c.JSON(http.StatusOK, gin.H{"agreement_id": id, "results": results})
}

func (h *RecurringHandler) RunBatch(c *gin.Context) {
	report, err := h.batch.RunBatch(c.Request.Context())
	if errors.Is(err, service.ErrBatchInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}
