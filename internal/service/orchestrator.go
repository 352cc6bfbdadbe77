package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/telemetry"
)

var ErrBatchInProgress = errors.New("a batch run is already in progress")

// BatchReport summarizes one scheduler pass.
type BatchReport struct {
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration"`
	PaymentIDsFilled   int           `json:"payment_ids_filled"`
	CustomerIDsFilled  int           `json:"customer_ids_filled"`
	ReconcileMisses    int           `json:"reconcile_misses"`
	ReconcileFailures  int           `json:"reconcile_failures"`
	Charged            int           `json:"charged"`
	Failed             int           `json:"failed"`
	CeilingReached     int           `json:"ceiling_reached"`
	Skipped            int           `json:"skipped"`
	Repaired           int           `json:"repaired"`
	Errors             int           `json:"errors"`
	ConfigurationFault string        `json:"configuration_fault,omitempty"`
}

// Orchestrator runs scheduler passes: backfill payment ids, backfill
// customer ids, then charge every due agreement.
type Orchestrator struct {
	selector    *Selector
	reconciler  *Reconciler
	processor   *Processor
	concurrency int
	running     atomic.Bool
}

func NewOrchestrator(selector *Selector, reconciler *Reconciler, processor *Processor, concurrency int) *Orchestrator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Orchestrator{
		selector:    selector,
		reconciler:  reconciler,
		processor:   processor,
		concurrency: concurrency,
	}
}

func (o *Orchestrator) Processor() *Processor {
	return o.processor
}

func (o *Orchestrator) Reconciler() *Reconciler {
	return o.reconciler
}

// RunBatch performs one pass. It stops at the first configuration fault and
// returns it; any other per-agreement error is logged and counted.
func (o *Orchestrator) RunBatch(ctx context.Context) (*BatchReport, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrBatchInProgress
	}
	defer o.running.Store(false)

	ctx, span := telemetry.StartSpan(ctx, "recurring.run_batch")
	defer span.End()

	report := &BatchReport{StartedAt: time.Now().UTC()}
	var mu sync.Mutex

	err := o.pass(ctx, "missing_payment_id", o.selector.MissingPaymentID, func(ctx context.Context, id int64) error {
		out, err := o.reconciler.BackfillPaymentID(ctx, id)
		mu.Lock()
		countReconcile(report, out, &report.PaymentIDsFilled)
		mu.Unlock()
		return err
	}, report, &mu)
	if err == nil {
		err = o.pass(ctx, "missing_customer_id", o.selector.MissingCustomerID, func(ctx context.Context, id int64) error {
			out, err := o.reconciler.BackfillCustomerID(ctx, id)
			mu.Lock()
			countReconcile(report, out, &report.CustomerIDsFilled)
			mu.Unlock()
			return err
		}, report, &mu)
	}
	if err == nil {
		err = o.pass(ctx, "due_for_charge", o.selector.DueForCharge, func(ctx context.Context, id int64) error {
			out, err := o.processor.ChargeOnce(ctx, id)
			mu.Lock()
			countCharge(report, out)
			mu.Unlock()
			return err
		}, report, &mu)
	}

	report.Duration = time.Since(report.StartedAt)
	result := "ok"
	if err != nil {
		result = "aborted"
		report.ConfigurationFault = err.Error()
		telemetry.Logger.Error("Batch run aborted on configuration fault", zap.Error(err))
	}
	telemetry.BatchRuns.WithLabelValues(result).Inc()
	telemetry.Logger.Info("Batch run finished",
		zap.Int("charged", report.Charged),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int("repaired", report.Repaired),
		zap.Int("errors", report.Errors),
		zap.Duration("duration", report.Duration),
	)
	return report, err
}

// pass selects ids and runs fn on each with bounded concurrency. The first
// configuration fault cancels the remaining work and is returned.
func (o *Orchestrator) pass(
	ctx context.Context,
	name string,
	selectIDs func(context.Context) ([]int64, error),
	fn func(context.Context, int64) error,
	report *BatchReport,
	mu *sync.Mutex,
) error {
	ids, err := selectIDs(ctx)
	if err != nil {
		telemetry.Logger.Error("Selection failed", zap.String("pass", name), zap.Error(err))
		mu.Lock()
		report.Errors++
		mu.Unlock()
		return nil
	}
	telemetry.Logger.Info("Batch pass selected agreements", zap.String("pass", name), zap.Int("count", len(ids)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		fault error
		once  sync.Once
	)
	sem := make(chan struct{}, o.concurrency)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			defer func() { <-sem }()

			err := fn(ctx, id)
			if err == nil {
				return
			}
			if models.IsConfigurationFault(err) {
				once.Do(func() {
					fault = err
					cancel()
				})
				return
			}
			telemetry.Logger.Error("Agreement processing error",
				zap.String("pass", name),
				zap.Int64("agreement_id", id),
				zap.Error(err),
			)
			mu.Lock()
			report.Errors++
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return fault
}

func countReconcile(report *BatchReport, out models.ReconcileOutcome, filled *int) {
	switch out.State {
	case models.ReconcileUpdated:
		*filled++
	case models.ReconcileMiss:
		report.ReconcileMisses++
	case models.ReconcileFailed:
		report.ReconcileFailures++
	}
}

func countCharge(report *BatchReport, out models.ChargeOutcome) {
	switch {
	case out.Succeeded():
		report.Charged++
	case out.State == models.ChargeRepaired:
		report.Repaired++
	case out.State == models.ChargeSkipped:
		report.Skipped++
	case out.Reason == models.ReasonCeilingReached:
		report.CeilingReached++
	case out.State == models.ChargeFailed:
		report.Failed++
	}
}

// Start runs a batch every interval until ctx is done. Configuration faults
// are logged and the next tick tries again.
func (o *Orchestrator) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	telemetry.Logger.Info("Started recurring scheduler", zap.Duration("interval", interval))

	for {
		if _, err := o.RunBatch(ctx); err != nil && !errors.Is(err, ErrBatchInProgress) {
			telemetry.Logger.Error("Scheduled batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			telemetry.Logger.Info("Stopped recurring scheduler")
			return
		case <-ticker.C:
		}
	}
}
