package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/handlers"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/telemetry"
)

const serviceName = "recurring-orchestrator"

type Deps struct {
	Repo       interfaces.PaymentRepository
	Capturer   handlers.Capturer
	Charger    handlers.Charger
	Backfiller handlers.Backfiller
	Batch      handlers.BatchRunner
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})

	paymentHandler := handlers.NewPaymentHandler(deps.Repo, deps.Capturer)
	r.GET("/payments/:id", paymentHandler.GetPayment)
	r.POST("/payments/:id/capture", paymentHandler.CapturePayment)

	recurringHandler := handlers.NewRecurringHandler(deps.Charger, deps.Backfiller, deps.Batch)
	r.POST("/payments/:id/charge", recurringHandler.Charge)
	r.POST("/payments/:id/reconcile", recurringHandler.Reconcile)
	r.POST("/recurring/run", recurringHandler.RunBatch)

	return r
}
