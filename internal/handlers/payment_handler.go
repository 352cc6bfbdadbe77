package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/gateway"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/service"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/telemetry"
)

// Capturer captures an authorized gateway payment.
type Capturer interface {
	CapturePayment(ctx context.Context, env models.Environment, paymentID string, req *gateway.CapturePaymentRequest) (gateway.Result[gateway.PaymentResponse], error)
}

type PaymentHandler struct {
	repo     interfaces.PaymentRepository
	capturer Capturer
}

func NewPaymentHandler(repo interfaces.PaymentRepository, capturer Capturer) *PaymentHandler {
	return &PaymentHandler{
		repo:     repo,
		capturer: capturer,
	}
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment id"})
		return 0, false
	}
	return id, true
}

// loadRecord writes the error response itself when it returns nil.
func (h *PaymentHandler) loadRecord(c *gin.Context, id int64) *models.PaymentRecord {
	p, err := h.repo.Load(c.Request.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return nil
	}
	if err != nil {
		telemetry.Logger.Error("Error loading payment", zap.Int64("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch payment"})
		return nil
	}
	return p
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if p := h.loadRecord(c, id); p != nil {
		c.JSON(http.StatusOK, p)
	}
}

type captureRequest struct {
	// Amount defaults to the record's authorized amount.
	Amount string `json:"amount"`
}

func (h *PaymentHandler) CapturePayment(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var body captureRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	p := h.loadRecord(c, id)
	if p == nil {
		return
	}
	if !p.HasPaymentID() {
		c.JSON(http.StatusConflict, gin.H{"error": "payment has no gateway id yet"})
		return
	}

	amount := body.Amount
	if amount == "" {
		amount = p.AuthorizedAmount
	}
	amount, err := service.NormalizeAmount(amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.capturer.CapturePayment(c.Request.Context(), p.Environment, *p.PaymentID, &gateway.CapturePaymentRequest{
		ClientReferenceInformation: gateway.ClientReferenceInformation{Code: p.Code},
		OrderInformation: gateway.OrderInformation{
			AmountDetails: gateway.AmountDetails{TotalAmount: amount, Currency: p.Currency},
		},
	})
	if err != nil {
		telemetry.Logger.Error("Capture configuration fault", zap.Int64("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !res.OK {
		c.JSON(http.StatusBadGateway, gin.H{"error": res.Reason, "status_code": res.StatusCode})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         p.ID,
		"payment_id": *p.PaymentID,
		"capture_id": res.Value.ID,
		"status":     res.Value.Status,
	})
}
