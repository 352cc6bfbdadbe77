package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/gateway"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/telemetry"
)

const DefaultChildCurrency = "USD"

type ProcessorConfig struct {
	// ChildCurrency is stored on child records. Charges are submitted in
	// the agreement's currency.
	ChildCurrency string
	// PreflightSearch looks the new child code up before submitting and
	// adopts a transaction that an interrupted cycle already charged.
	PreflightSearch bool
	Now             func() time.Time
}

// Processor runs one charge cycle for one agreement.
type Processor struct {
	repo       interfaces.PaymentRepository
	gateway    interfaces.PaymentGateway
	locker     interfaces.Locker
	schedule   interfaces.ScheduleAdvancer
	receipts   interfaces.ReceiptDispatcher
	events     interfaces.EventPublisher
	reconciler *Reconciler
	settler    *Settler
	cfg        ProcessorConfig
}

// NewProcessor wires a Processor. events, reconciler and settler may be nil.
func NewProcessor(
	repo interfaces.PaymentRepository,
	gw interfaces.PaymentGateway,
	locker interfaces.Locker,
	schedule interfaces.ScheduleAdvancer,
	receipts interfaces.ReceiptDispatcher,
	events interfaces.EventPublisher,
	reconciler *Reconciler,
	settler *Settler,
	cfg ProcessorConfig,
) *Processor {
	if cfg.ChildCurrency == "" {
		cfg.ChildCurrency = DefaultChildCurrency
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Processor{
		repo:       repo,
		gateway:    gw,
		locker:     locker,
		schedule:   schedule,
		receipts:   receipts,
		events:     events,
		reconciler: reconciler,
		settler:    settler,
		cfg:        cfg,
	}
}

// ReceiptKey is the dedupe key of receipts for children of an agreement.
func ReceiptKey(agreementID int64) string {
	return fmt.Sprintf("rpayment_id_%d_recurring", agreementID)
}

// ChildCode derives the merchant reference of the seq-th child.
func ChildCode(parentCode string, seq int) string {
	return parentCode + "-" + strconv.Itoa(seq)
}

// NormalizeAmount appends ".00" to amounts without a decimal point and
// rejects values that are not positive decimals. Amounts that already carry
// a point are returned unchanged.
func NormalizeAmount(amount string) (string, error) {
	amount = strings.TrimSpace(amount)
	if !strings.Contains(amount, ".") {
		amount += ".00"
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if !d.IsPositive() {
		return "", fmt.Errorf("invalid amount %q: must be positive", amount)
	}
	return amount, nil
}

// BuildChargeRequest composes the merchant-initiated charge for the next
// child of p. It is a pure function of p's state, so retries after a failed
// submission send the same request.
func (pr *Processor) BuildChargeRequest(p *models.PaymentRecord) (*gateway.CreatePaymentRequest, error) {
	if !p.HasPaymentID() || !p.HasCustomerID() {
		return nil, errors.New("agreement is missing gateway identifiers")
	}
	seq := len(p.RecurringPayments) + 1
	amount, err := NormalizeAmount(p.AuthorizedAmount)
	if err != nil {
		return nil, err
	}
	currency := p.Currency
	if currency == "" {
		currency = pr.cfg.ChildCurrency
	}

	return &gateway.CreatePaymentRequest{
		ClientReferenceInformation: gateway.ClientReferenceInformation{Code: ChildCode(p.Code, seq)},
		ProcessingInformation:      gateway.NewRecurringProcessingInformation(*p.PaymentID).WithCapture(true),
		OrderInformation: gateway.OrderInformation{
			AmountDetails: gateway.AmountDetails{TotalAmount: amount, Currency: currency},
		},
		PaymentInformation: &gateway.PaymentInformation{
			Customer: &gateway.PaymentCustomer{CustomerID: *p.CustomerID},
		},
		MerchantDefinedInformation: gateway.NewMerchantDefinedInformation(p.Code, strconv.Itoa(seq)),
	}, nil
}

// cycle tracks one ChargeOnce run.
type cycle struct {
	id        int64
	agreement *models.PaymentRecord
	state     models.ChargeState
}

// ChargeOnce runs one charge cycle for the agreement. Gateway failures and
// ineligible agreements are reported in the outcome; the error is non-nil for
// store failures and configuration faults.
func (pr *Processor) ChargeOnce(ctx context.Context, id int64) (models.ChargeOutcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "recurring.charge_once", attribute.Int64("agreement.id", id))
	defer span.End()

	c := &cycle{id: id}

	release, err := pr.locker.Acquire(ctx, agreementLockKey(id))
	if errors.Is(err, models.ErrLocked) {
		return pr.finish(ctx, c, models.ChargeSkipped, models.ReasonAlreadyProcessing, "agreement is locked by another cycle", nil), nil
	}
	if err != nil {
		return pr.finish(ctx, c, models.ChargeFailed, models.ReasonNone, err.Error(), nil), err
	}
	locked := true
	unlock := func() {
		if locked {
			release()
			locked = false
		}
	}
	defer unlock()

	parent, err := pr.repo.Load(ctx, id)
	if err != nil {
		return pr.finish(ctx, c, models.ChargeFailed, models.ReasonNone, err.Error(), nil), err
	}
	c.agreement = parent
	pr.transition(c, models.ChargeSelected)

	if !isDue(parent, pr.cfg.Now()) {
		return pr.finish(ctx, c, models.ChargeSkipped, models.ReasonNotEligible, "agreement is not due for charge", nil), nil
	}

	if pr.reconciler != nil {
		repaired, err := pr.reconciler.RepairChildren(ctx, parent)
		if err != nil {
			return pr.finish(ctx, c, models.ChargeFailed, models.ReasonNone, err.Error(), nil), err
		}
		if repaired.State == models.ReconcileUpdated {
			return pr.finish(ctx, c, models.ChargeRepaired, models.ReasonNone, repaired.Detail, nil), nil
		}
	}

	if len(parent.RecurringPayments)+1 >= parent.RecurringMax {
		parent.RecurringActive = false
		if err := pr.repo.Save(ctx, parent); err != nil {
			return pr.finish(ctx, c, models.ChargeFailed, models.ReasonNone, err.Error(), nil), err
		}
		return pr.finish(ctx, c, models.ChargeFailed, models.ReasonCeilingReached,
			fmt.Sprintf("%d of %d charges used", len(parent.RecurringPayments), parent.RecurringMax), nil), nil
	}
	pr.transition(c, models.ChargeCeilingChecked)

	req, err := pr.BuildChargeRequest(parent)
	if err != nil {
		return pr.finish(ctx, c, models.ChargeFailed, models.ReasonGatewayError, err.Error(), nil), nil
	}
	code := req.ClientReferenceInformation.Code

	if err := ctx.Err(); err != nil {
		return pr.finish(ctx, c, models.ChargeFailed, models.ReasonGatewayError, "cancelled before submission: "+err.Error(), nil), nil
	}

	resp, detail, err := pr.submit(ctx, c, req)
	if err != nil {
		reason := models.ReasonGatewayError
		if models.IsConfigurationFault(err) {
			reason = models.ReasonConfigurationFault
		}
		return pr.finish(ctx, c, models.ChargeFailed, reason, err.Error(), nil), err
	}
	if resp == nil {
		return pr.finish(ctx, c, models.ChargeFailed, models.ReasonGatewayError, detail, nil), nil
	}
	pr.transition(c, models.ChargeSucceeded)

	// The charge exists at the gateway now; finish persisting it even if
	// the caller goes away.
	persistCtx := context.WithoutCancel(ctx)

	submitted, err := gateway.ParseSubmitTime(resp.SubmitTimeUTC)
	if err != nil {
		telemetry.Logger.Warn("Unparseable submit time, using local clock",
			zap.Int64("agreement_id", id),
			zap.String("submit_time", resp.SubmitTimeUTC),
		)
		submitted = pr.cfg.Now()
	}

	child := &models.PaymentRecord{
		Code:             code,
		PaymentID:        models.StringPtr(resp.ID),
		AuthorizedAmount: req.OrderInformation.AmountDetails.TotalAmount,
		Currency:         pr.cfg.ChildCurrency,
		Status:           resp.Status,
		Environment:      parent.Environment,
		Submitted:        &submitted,
	}
	if err := pr.repo.Create(persistCtx, child); err != nil {
		telemetry.Logger.Error("Charged at gateway but child record was not created",
			zap.Int64("agreement_id", id),
			zap.String("code", code),
			zap.String("payment_id", resp.ID),
			zap.Error(err),
		)
		return pr.finish(persistCtx, c, models.ChargeFailed, models.ReasonNone, err.Error(), nil), err
	}
	pr.transition(c, models.ChargePersisted)

	parent.RecurringPayments = append(parent.RecurringPayments, child.ID)
	next := models.ChargeDeactivated
	if advanceSchedule(parent, child.Created, pr.schedule) {
		next = models.ChargeScheduled
	}
	if err := pr.repo.Save(persistCtx, parent); err != nil {
		telemetry.Logger.Error("Child created but agreement was not updated",
			zap.Int64("agreement_id", id),
			zap.Int64("child_id", child.ID),
			zap.Error(err),
		)
		return pr.finish(persistCtx, c, models.ChargeFailed, models.ReasonNone, err.Error(), child), err
	}
	pr.transition(c, next)

	unlock()

	var settleErr error
	if pr.settler != nil {
		settled, err := pr.settler.Confirm(persistCtx, parent.Environment, resp.ID)
		if err != nil {
			settleErr = err
		}
		if !settled {
			telemetry.Logger.Warn("Settlement not confirmed, sending receipt anyway",
				zap.Int64("agreement_id", id),
				zap.String("payment_id", resp.ID),
			)
		}
	}

	pr.receipts.TrySend(persistCtx, child, ReceiptKey(parent.ID))
	return pr.finish(persistCtx, c, models.ChargeReceipted, models.ReasonNone, "", child), settleErr
}

// submit sends the charge, or adopts an existing gateway transaction with the
// same reference when preflight search is enabled. A nil response with a nil
// error is a gateway failure described by detail.
func (pr *Processor) submit(ctx context.Context, c *cycle, req *gateway.CreatePaymentRequest) (*gateway.PaymentResponse, string, error) {
	env := c.agreement.Environment
	code := req.ClientReferenceInformation.Code

	if pr.cfg.PreflightSearch {
		found, err := pr.gateway.SearchTransactions(ctx, env, gateway.NewReferenceSearch(code))
		if err != nil {
			return nil, "", err
		}
		if !found.OK {
			return nil, "reference check failed: " + found.Reason, nil
		}
		if s := found.Value.Summaries(); len(s) > 0 && s[0].ID != "" {
			prior, err := pr.adoptable(ctx, c, code, s[0])
			if err != nil {
				return nil, "", err
			}
			if prior != nil {
				pr.transition(c, models.ChargeSubmitted)
				return prior, "", nil
			}
		}
	}

	pr.transition(c, models.ChargeSubmitted)
	res, err := pr.gateway.CreatePayment(ctx, env, req)
	if err != nil {
		return nil, "", err
	}
	if !res.OK {
		return nil, res.Reason, nil
	}
	if res.Value.ID == "" {
		return nil, "gateway response carries no transaction id", nil
	}
	return &res.Value, "", nil
}

// adoptable reads back a transaction found under the child code and returns
// it as the cycle's charge only when it collected money. Declined or
// unreadable transactions return nil so the charge is submitted again.
func (pr *Processor) adoptable(ctx context.Context, c *cycle, code string, hit gateway.TransactionSummary) (*gateway.PaymentResponse, error) {
	logger := telemetry.Logger.With(
		zap.Int64("agreement_id", c.id),
		zap.String("code", code),
		zap.String("payment_id", hit.ID),
	)

	res, err := pr.gateway.GetTransaction(ctx, c.agreement.Environment, hit.ID)
	if err != nil {
		return nil, err
	}
	if !res.OK || !res.Value.Collected() {
		logger.Warn("Existing gateway transaction is not a successful charge, submitting",
			zap.String("status", res.Value.ApplicationInformation.Status),
			zap.Int("reason_code", res.Value.ReasonCode()),
			zap.String("reason", res.Reason),
		)
		return nil, nil
	}

	status := res.Value.ApplicationInformation.Status
	if status == "" {
		status = models.StatusTransmitted
	}
	submitted := res.Value.SubmitTimeUTC
	if submitted == "" {
		submitted = hit.SubmitTimeUTC
	}
	logger.Warn("Adopting existing gateway charge", zap.String("status", status))
	return &gateway.PaymentResponse{ID: hit.ID, SubmitTimeUTC: submitted, Status: status}, nil
}

func (pr *Processor) transition(c *cycle, to models.ChargeState) {
	from := c.state
	c.state = to
	telemetry.ChargeTransitions.WithLabelValues(string(to)).Inc()

	fields := []zap.Field{
		zap.Int64("agreement_id", c.id),
		zap.String("from_state", string(from)),
		zap.String("to_state", string(to)),
	}
	if c.agreement != nil {
		fields = append(fields,
			zap.String("code", c.agreement.Code),
			zap.String("environment", string(c.agreement.Environment)),
		)
	}
	telemetry.Logger.Info("Recurring charge transition", fields...)
}

// finish moves the cycle to its terminal state, records the outcome and
// publishes it.
func (pr *Processor) finish(ctx context.Context, c *cycle, state models.ChargeState, reason models.FailureReason, detail string, child *models.PaymentRecord) models.ChargeOutcome {
	if c.state != state {
		pr.transition(c, state)
	}
	telemetry.ChargeOutcomes.WithLabelValues(string(state), string(reason)).Inc()

	out := models.ChargeOutcome{
		AgreementID: c.id,
		State:       state,
		Reason:      reason,
		Detail:      detail,
		Child:       child,
	}
	if state == models.ChargeFailed {
		telemetry.Logger.Warn("Recurring charge failed",
			zap.Int64("agreement_id", c.id),
			zap.String("reason", string(reason)),
			zap.String("detail", detail),
		)
	}

	if pr.events == nil {
		return out
	}
	event := models.RecurringEvent{
		EventID:     uuid.NewString(),
		AgreementID: c.id,
		State:       state,
		Reason:      reason,
		Timestamp:   pr.cfg.Now(),
	}
	if c.agreement != nil {
		event.Code = c.agreement.Code
		event.Environment = c.agreement.Environment
	}
	if child != nil {
		event.ChildID = child.ID
		if child.PaymentID != nil {
			event.PaymentID = *child.PaymentID
		}
	}
	if err := pr.events.Publish(ctx, event); err != nil {
		telemetry.Logger.Error("Failed to publish recurring event",
			zap.Int64("agreement_id", c.id),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
	return out
}
