package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/gateway"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
)

// PaymentGateway is the recurring flow's view of the gateway client. A
// non-nil error is always a configuration fault; gateway-side failures are
// reported through the Result.
type PaymentGateway interface {
	CreatePayment(ctx context.Context, env models.Environment, req *gateway.CreatePaymentRequest) (gateway.Result[gateway.PaymentResponse], error)
	GetTransaction(ctx context.Context, env models.Environment, id string) (gateway.Result[gateway.Transaction], error)
	SearchTransactions(ctx context.Context, env models.Environment, req *gateway.SearchRequest) (gateway.Result[gateway.SearchResponse], error)
}
