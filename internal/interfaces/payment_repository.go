package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
)

// PaymentRepository defines the contract for payment record data access
type PaymentRepository interface {
	Find(ctx context.Context, q *models.Query) ([]int64, error)
	Load(ctx context.Context, id int64) (*models.PaymentRecord, error)
	Save(ctx context.Context, p *models.PaymentRecord) error
	Create(ctx context.Context, p *models.PaymentRecord) error
}
