package service

import (
	"context"
	"time"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
)

// Selector answers which agreements need work. It never writes.
type Selector struct {
	repo interfaces.PaymentRepository
	now  func() time.Time
}

func NewSelector(repo interfaces.PaymentRepository, now func() time.Time) *Selector {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Selector{repo: repo, now: now}
}

func activeAgreements() *models.Query {
	return models.NewQuery().
		Where(models.FieldRecurring, models.OpEq, true).
		Where(models.FieldRecurringActive, models.OpEq, true)
}

// DueForCharge returns agreements whose next charge time has passed and that
// carry both gateway identifiers.
func (s *Selector) DueForCharge(ctx context.Context) ([]int64, error) {
	q := activeAgreements().
		IsNotNull(models.FieldPaymentID).
		IsNotNull(models.FieldCustomerID).
		Where(models.FieldStatus, models.OpEq, models.StatusTransmitted).
		Where(models.FieldRecurringNext, models.OpLt, s.now())
	return s.repo.Find(ctx, q)
}

// MissingCustomerID returns agreements with a payment id but no payment
// profile linked yet.
func (s *Selector) MissingCustomerID(ctx context.Context) ([]int64, error) {
	q := activeAgreements().
		IsNotNull(models.FieldPaymentID).
		IsNull(models.FieldCustomerID)
	return s.repo.Find(ctx, q)
}

func (s *Selector) MissingPaymentID(ctx context.Context) ([]int64, error) {
	return s.repo.Find(ctx, activeAgreements().IsNull(models.FieldPaymentID))
}

// ChildCandidates returns non-recurring records whose code starts with the
// agreement's child prefix, in store order.
func (s *Selector) ChildCandidates(ctx context.Context, parent *models.PaymentRecord) ([]int64, error) {
	q := models.NewQuery().
		Where(models.FieldRecurring, models.OpEq, false).
		Where(models.FieldCode, models.OpPrefix, parent.Code+"-")
	return s.repo.Find(ctx, q)
}

// isDue repeats the DueForCharge predicate against a loaded record.
func isDue(p *models.PaymentRecord, now time.Time) bool {
	return p.IsAgreement() &&
		p.HasPaymentID() &&
		p.HasCustomerID() &&
		p.Status == models.StatusTransmitted &&
		p.RecurringNext != nil &&
		p.RecurringNext.Before(now)
}
