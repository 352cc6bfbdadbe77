package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/gateway"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/telemetry"
)

// Reconciler backfills gateway identifiers onto agreements and heals
// agreements whose latest child was created but never linked.
type Reconciler struct {
	repo     interfaces.PaymentRepository
	gateway  interfaces.PaymentGateway
	selector *Selector
	schedule interfaces.ScheduleAdvancer
}

func NewReconciler(
	repo interfaces.PaymentRepository,
	gw interfaces.PaymentGateway,
	selector *Selector,
	schedule interfaces.ScheduleAdvancer,
) *Reconciler {
	return &Reconciler{
		repo:     repo,
		gateway:  gw,
		selector: selector,
		schedule: schedule,
	}
}

// BackfillCustomerID copies the payment profile linked to the agreement's
// gateway transaction onto the agreement.
func (r *Reconciler) BackfillCustomerID(ctx context.Context, id int64) (models.ReconcileOutcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "recurring.backfill_customer_id", attribute.Int64("agreement.id", id))
	defer span.End()

	out := models.ReconcileOutcome{AgreementID: id, Kind: models.ReconcileCustomerID}
	p, err := r.repo.Load(ctx, id)
	if err != nil {
		return r.done(out, models.ReconcileFailed, err.Error()), err
	}
	if !p.IsAgreement() || !p.HasPaymentID() || p.HasCustomerID() {
		return r.done(out, models.ReconcileSkipped, "nothing to backfill"), nil
	}

	res, err := r.gateway.GetTransaction(ctx, p.Environment, *p.PaymentID)
	if err != nil {
		return r.done(out, models.ReconcileFailed, err.Error()), err
	}
	if !res.OK {
		return r.done(out, models.ReconcileFailed, res.Reason), nil
	}

	customerID := res.Value.CustomerID()
	if customerID == "" {
		return r.done(out, models.ReconcileMiss, "transaction has no customer yet"), nil
	}

	p.CustomerID = models.StringPtr(customerID)
	if err := r.repo.Save(ctx, p); err != nil {
		return r.done(out, models.ReconcileFailed, err.Error()), err
	}

	telemetry.Logger.Info("Backfilled customer id",
		zap.Int64("agreement_id", id),
		zap.String("code", p.Code),
		zap.String("customer_id", customerID),
	)
	return r.done(out, models.ReconcileUpdated, customerID), nil
}

// BackfillPaymentID looks the agreement up by merchant reference code and
// stores the newest matching transaction id.
func (r *Reconciler) BackfillPaymentID(ctx context.Context, id int64) (models.ReconcileOutcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "recurring.backfill_payment_id", attribute.Int64("agreement.id", id))
	defer span.End()

	out := models.ReconcileOutcome{AgreementID: id, Kind: models.ReconcilePaymentID}
	p, err := r.repo.Load(ctx, id)
	if err != nil {
		return r.done(out, models.ReconcileFailed, err.Error()), err
	}
	if !p.IsAgreement() || p.HasPaymentID() {
		return r.done(out, models.ReconcileSkipped, "nothing to backfill"), nil
	}

	res, err := r.gateway.SearchTransactions(ctx, p.Environment, gateway.NewReferenceSearch(p.Code))
	if err != nil {
		return r.done(out, models.ReconcileFailed, err.Error()), err
	}
	if !res.OK {
		return r.done(out, models.ReconcileFailed, res.Reason), nil
	}

	summaries := res.Value.Summaries()
	if len(summaries) == 0 || summaries[0].ID == "" {
		return r.done(out, models.ReconcileMiss, "no transaction indexed for "+p.Code), nil
	}

	paymentID := summaries[0].ID
	p.PaymentID = models.StringPtr(paymentID)
	if err := r.repo.Save(ctx, p); err != nil {
		return r.done(out, models.ReconcileFailed, err.Error()), err
	}

	telemetry.Logger.Info("Backfilled payment id",
		zap.Int64("agreement_id", id),
		zap.String("code", p.Code),
		zap.String("payment_id", paymentID),
	)
	return r.done(out, models.ReconcileUpdated, paymentID), nil
}

type orphan struct {
	seq     int
	id      int64
	created time.Time
}

// RepairChildren links children named "{code}-{n}" that exist in the store
// but are missing from parent.RecurringPayments, then recomputes the schedule
// from the newest one. parent is updated in place and persisted when
// anything changed. The caller must hold the agreement lock.
func (r *Reconciler) RepairChildren(ctx context.Context, parent *models.PaymentRecord) (models.ReconcileOutcome, error) {
	out := models.ReconcileOutcome{AgreementID: parent.ID, Kind: models.ReconcileChildren}

	ids, err := r.selector.ChildCandidates(ctx, parent)
	if err != nil {
		return r.done(out, models.ReconcileFailed, err.Error()), err
	}

	prefix := parent.Code + "-"
	var orphans []orphan
	for _, cid := range ids {
		if parent.HasChild(cid) {
			continue
		}
		child, err := r.repo.Load(ctx, cid)
		if err != nil {
			return r.done(out, models.ReconcileFailed, err.Error()), err
		}
		seq, err := strconv.Atoi(strings.TrimPrefix(child.Code, prefix))
		if err != nil || seq < 1 || child.Environment.Canonical() != parent.Environment.Canonical() {
			continue
		}
		orphans = append(orphans, orphan{seq: seq, id: child.ID, created: child.Created})
	}
	if len(orphans) == 0 {
		return r.done(out, models.ReconcileSkipped, ""), nil
	}

	sort.Slice(orphans, func(i, j int) bool { return orphans[i].seq < orphans[j].seq })
	for _, o := range orphans {
		parent.RecurringPayments = append(parent.RecurringPayments, o.id)
	}
	advanceSchedule(parent, orphans[len(orphans)-1].created, r.schedule)

	if err := r.repo.Save(ctx, parent); err != nil {
		return r.done(out, models.ReconcileFailed, err.Error()), err
	}

	telemetry.Logger.Warn("Linked orphaned recurring children",
		zap.Int64("agreement_id", parent.ID),
		zap.String("code", parent.Code),
		zap.Int("children", len(orphans)),
		zap.Bool("recurring_active", parent.RecurringActive),
	)
	return r.done(out, models.ReconcileUpdated, fmt.Sprintf("linked %d children", len(orphans))), nil
}

func (r *Reconciler) done(out models.ReconcileOutcome, state models.ReconcileState, detail string) models.ReconcileOutcome {
	out.State = state
	out.Detail = detail
	telemetry.Reconciliations.WithLabelValues(string(out.Kind), string(state)).Inc()

	switch state {
	case models.ReconcileFailed:
		telemetry.Logger.Warn("Reconciliation failed",
			zap.Int64("agreement_id", out.AgreementID),
			zap.String("kind", string(out.Kind)),
			zap.String("reason", detail),
		)
	case models.ReconcileMiss:
		telemetry.Logger.Info("Reconciliation found nothing yet",
			zap.Int64("agreement_id", out.AgreementID),
			zap.String("kind", string(out.Kind)),
		)
	}
	return out
}

// advanceSchedule applies the post-charge rule: schedule the next charge
// while the ceiling leaves room, otherwise deactivate. It reports whether the
// agreement stays active.
func advanceSchedule(p *models.PaymentRecord, last time.Time, schedule interfaces.ScheduleAdvancer) bool {
	if len(p.RecurringPayments)+1 < p.RecurringMax {
		p.RecurringNext = models.TimePtr(schedule.NextChargeDate(last))
		return true
	}
	p.RecurringActive = false
	return false
}
