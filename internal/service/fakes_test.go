package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/gateway"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/repository"
)

var testNow = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu sync.Mutex

	createReqs []gateway.CreatePaymentRequest
	createEnvs []models.Environment
	createRes  gateway.Result[gateway.PaymentResponse]
	createErr  error

	searchReqs []gateway.SearchRequest
	searchRes  gateway.Result[gateway.SearchResponse]
	searchErr  error

	txIDs []string
	txRes gateway.Result[gateway.Transaction]
	txErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		createRes: gateway.Result[gateway.PaymentResponse]{
			OK:         true,
			StatusCode: 201,
			Value: gateway.PaymentResponse{
				ID:            "tx123",
				SubmitTimeUTC: "2024-01-01T00:00:00",
				Status:        models.StatusTransmitted,
			},
		},
		searchRes: gateway.Result[gateway.SearchResponse]{OK: true, StatusCode: 201},
		txRes:     gateway.Result[gateway.Transaction]{OK: true, StatusCode: 200, Value: gateway.Transaction{ID: "tx123"}},
	}
}

func (f *fakeGateway) CreatePayment(_ context.Context, env models.Environment, req *gateway.CreatePaymentRequest) (gateway.Result[gateway.PaymentResponse], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createReqs = append(f.createReqs, *req)
	f.createEnvs = append(f.createEnvs, env)
	return f.createRes, f.createErr
}

func (f *fakeGateway) GetTransaction(_ context.Context, _ models.Environment, id string) (gateway.Result[gateway.Transaction], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txIDs = append(f.txIDs, id)
	return f.txRes, f.txErr
}

func (f *fakeGateway) SearchTransactions(_ context.Context, _ models.Environment, req *gateway.SearchRequest) (gateway.Result[gateway.SearchResponse], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchReqs = append(f.searchReqs, *req)
	return f.searchRes, f.searchErr
}

func (f *fakeGateway) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.createReqs)
}

func (f *fakeGateway) searches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searchReqs)
}

func searchHit(id string) gateway.Result[gateway.SearchResponse] {
	var resp gateway.SearchResponse
	resp.Embedded.TransactionSummaries = []gateway.TransactionSummary{{
		ID:            id,
		SubmitTimeUTC: "2024-01-01T00:00:00Z",
	}}
	return gateway.Result[gateway.SearchResponse]{OK: true, StatusCode: 201, Value: resp}
}

func collectedTx(id string) gateway.Result[gateway.Transaction] {
	return gateway.Result[gateway.Transaction]{OK: true, StatusCode: 200, Value: gateway.Transaction{
		ID:                     id,
		SubmitTimeUTC:          "2024-01-01T00:00:00Z",
		ApplicationInformation: gateway.ApplicationInformation{Status: models.StatusTransmitted, ReasonCode: "100"},
	}}
}

type sentReceipt struct {
	record *models.PaymentRecord
	key    string
}

type fakeReceipts struct {
	mu   sync.Mutex
	sent []sentReceipt
}

func (f *fakeReceipts) TrySend(_ context.Context, p *models.PaymentRecord, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentReceipt{record: p.Clone(), key: key})
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.RecurringEvent
}

func (f *fakePublisher) Publish(_ context.Context, e models.RecurringEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

type harness struct {
	repo       *repository.MemoryPaymentRepository
	gw         *fakeGateway
	receipts   *fakeReceipts
	events     *fakePublisher
	locker     *KeyedMutexLocker
	schedule   MonthlySchedule
	selector   *Selector
	reconciler *Reconciler
	processor  *Processor
}

func newHarness(t *testing.T, cfg ProcessorConfig) *harness {
	t.Helper()

	h := &harness{
		repo:     repository.NewMemoryPaymentRepository().WithClock(func() time.Time { return testNow }),
		gw:       newFakeGateway(),
		receipts: &fakeReceipts{},
		events:   &fakePublisher{},
		locker:   NewKeyedMutexLocker(),
		schedule: NewMonthlySchedule(1),
	}
	now := func() time.Time { return testNow }
	cfg.Now = now

	h.selector = NewSelector(h.repo, now)
	h.reconciler = NewReconciler(h.repo, h.gw, h.selector, h.schedule)
	settler := NewSettler(h.gw, 0, 0, 1)
	settler.wait = func(context.Context, time.Duration) error { return nil }
	h.processor = NewProcessor(h.repo, h.gw, h.locker, h.schedule, h.receipts, h.events, h.reconciler, settler, cfg)
	return h
}

// seedAgreement stores the "AAA001" agreement with one existing child.
func (h *harness) seedAgreement(max int) *models.PaymentRecord {
	yesterday := testNow.Add(-24 * time.Hour)
	h.repo.Insert(&models.PaymentRecord{
		ID:          2,
		Code:        "AAA001-1",
		PaymentID:   models.StringPtr("txA"),
		Currency:    "USD",
		Status:      models.StatusTransmitted,
		Environment: models.EnvDevelopment,
		Created:     testNow.Add(-30 * 24 * time.Hour),
	})
	agreement := &models.PaymentRecord{
		ID:                1,
		Code:              "AAA001",
		PaymentID:         models.StringPtr("tx0"),
		CustomerID:        models.StringPtr("cust1"),
		AuthorizedAmount:  "10",
		Currency:          "USD",
		Status:            models.StatusTransmitted,
		Environment:       models.EnvDevelopment,
		Recurring:         true,
		RecurringActive:   true,
		RecurringNext:     &yesterday,
		RecurringMax:      max,
		RecurringPayments: []int64{2},
		Created:           testNow.Add(-60 * 24 * time.Hour),
	}
	h.repo.Insert(agreement)
	return agreement
}

func (h *harness) load(t *testing.T, id int64) *models.PaymentRecord {
	t.Helper()
	p, err := h.repo.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("load %d: %v", id, err)
	}
	return p
}
