package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/gateway"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
)

func TestChargeOnce_CreatesChildAndAdvancesSchedule(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.seedAgreement(4)

	out, err := h.processor.ChargeOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ChargeReceipted, out.State)
	assert.True(t, out.Succeeded())
	require.NotNil(t, out.Child)

	child := h.load(t, out.Child.ID)
	assert.Equal(t, "AAA001-2", child.Code)
	assert.Equal(t, "tx123", *child.PaymentID)
	assert.Equal(t, models.StatusTransmitted, child.Status)
	assert.Equal(t, "10.00", child.AuthorizedAmount)
	assert.Equal(t, "USD", child.Currency)
	assert.Equal(t, models.EnvDevelopment, child.Environment)
	assert.False(t, child.Recurring)
	assert.False(t, child.RecurringActive)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *child.Submitted)

	parent := h.load(t, 1)
	assert.Equal(t, []int64{2, child.ID}, parent.RecurringPayments)
	assert.True(t, parent.RecurringActive)
	assert.Equal(t, time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC), *parent.RecurringNext)

	require.Len(t, h.gw.createReqs, 1)
	req := h.gw.createReqs[0]
	assert.Equal(t, models.EnvDevelopment, h.gw.createEnvs[0])
	assert.Equal(t, "AAA001-2", req.ClientReferenceInformation.Code)
	assert.Equal(t, "10.00", req.OrderInformation.AmountDetails.TotalAmount)
	assert.Equal(t, "USD", req.OrderInformation.AmountDetails.Currency)
	assert.Equal(t, "cust1", req.PaymentInformation.Customer.CustomerID)
	assert.True(t, *req.ProcessingInformation.Capture)
	assert.Equal(t, gateway.CommerceIndicatorRecurring, req.ProcessingInformation.CommerceIndicator)
	initiator := req.ProcessingInformation.AuthorizationOptions.Initiator
	assert.Equal(t, gateway.InitiatorMerchant, initiator.Type)
	assert.True(t, *initiator.StoredCredentialUsed)
	assert.Equal(t, "tx0", initiator.MerchantInitiatedTransaction.PreviousTransactionID)
	assert.Equal(t, []gateway.MerchantDefinedInformation{{Key: "1", Value: "AAA001"}, {Key: "2", Value: "2"}}, req.MerchantDefinedInformation)

	require.Len(t, h.receipts.sent, 1)
	assert.Equal(t, "rpayment_id_1_recurring", h.receipts.sent[0].key)
	assert.Equal(t, child.ID, h.receipts.sent[0].record.ID)

	assert.Equal(t, []string{"tx123"}, h.gw.txIDs)

	require.NotEmpty(t, h.events.events)
	last := h.events.events[len(h.events.events)-1]
	assert.Equal(t, models.ChargeReceipted, last.State)
	assert.Equal(t, int64(1), last.AgreementID)
	assert.Equal(t, child.ID, last.ChildID)
	assert.Equal(t, "tx123", last.PaymentID)
}

// With recurringMax 3 and one prior child the new child is the last one the
// agreement may produce, so the agreement is deactivated after charging.
// See "Post-charge ceiling rule" in DESIGN.md.
func TestChargeOnce_LastAllowedChargeDeactivates(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	seeded := h.seedAgreement(3)

	out, err := h.processor.ChargeOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ChargeReceipted, out.State)

	parent := h.load(t, 1)
	assert.Len(t, parent.RecurringPayments, 2)
	assert.False(t, parent.RecurringActive)
	assert.Equal(t, *seeded.RecurringNext, *parent.RecurringNext)

	child := h.load(t, out.Child.ID)
	assert.Equal(t, "AAA001-2", child.Code)
	assert.Equal(t, "tx123", *child.PaymentID)
}

func TestChargeOnce_CeilingReachedMakesNoGatewayCall(t *testing.T) {
	h := newHarness(t, ProcessorConfig{PreflightSearch: true})
	h.seedAgreement(2)

	out, err := h.processor.ChargeOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ChargeFailed, out.State)
	assert.Equal(t, models.ReasonCeilingReached, out.Reason)
	assert.Nil(t, out.Child)

	assert.Zero(t, h.gw.creates())
	assert.Zero(t, h.gw.searches())
	assert.Equal(t, 2, h.repo.Len())
	assert.Empty(t, h.receipts.sent)

	parent := h.load(t, 1)
	assert.False(t, parent.RecurringActive)
	assert.Equal(t, []int64{2}, parent.RecurringPayments)
}

func TestChargeOnce_GatewayErrorLeavesParentAndRetriesIdentically(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.seedAgreement(4)
	h.gw.createRes = gateway.Result[gateway.PaymentResponse]{StatusCode: 502, Reason: "gateway returned status 502"}
	before := h.load(t, 1)

	out, err := h.processor.ChargeOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ChargeFailed, out.State)
	assert.Equal(t, models.ReasonGatewayError, out.Reason)
	assert.Equal(t, "gateway returned status 502", out.Detail)

	assert.Equal(t, before, h.load(t, 1))
	assert.Equal(t, 2, h.repo.Len())
	assert.Empty(t, h.receipts.sent)

	out, err = h.processor.ChargeOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonGatewayError, out.Reason)

	require.Len(t, h.gw.createReqs, 2)
	assert.Equal(t, h.gw.createReqs[0], h.gw.createReqs[1])
	assert.Equal(t, before, h.load(t, 1))
}

func TestChargeOnce_MissingTransactionIDIsGatewayError(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.seedAgreement(4)
	h.gw.createRes.Value.ID = ""

	out, err := h.processor.ChargeOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonGatewayError, out.Reason)
	assert.Equal(t, 2, h.repo.Len())
}

func TestChargeOnce_ConfigurationFaultPropagates(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.seedAgreement(4)
	h.gw.createErr = models.NewConfigurationError("gateway credentials", models.EnvDevelopment, errors.New("no credentials"))
	before := h.load(t, 1)

	out, err := h.processor.ChargeOnce(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, models.IsConfigurationFault(err))
	assert.Equal(t, models.ChargeFailed, out.State)
	assert.Equal(t, models.ReasonConfigurationFault, out.Reason)
	assert.Equal(t, before, h.load(t, 1))

	require.NotEmpty(t, h.events.events)
	assert.Equal(t, models.ReasonConfigurationFault, h.events.events[len(h.events.events)-1].Reason)
}

func TestChargeOnce_ConcurrentCyclesChargeOnce(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.seedAgreement(12)

	const workers = 8
	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		outcomes = make([]models.ChargeOutcome, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			out, err := h.processor.ChargeOnce(context.Background(), 1)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	close(start)
	wg.Wait()

	receipted := 0
	for _, out := range outcomes {
		switch out.State {
		case models.ChargeReceipted:
			receipted++
		case models.ChargeSkipped:
			assert.Contains(t, []models.FailureReason{models.ReasonAlreadyProcessing, models.ReasonNotEligible}, out.Reason)
		default:
			t.Errorf("unexpected outcome %s", out.State)
		}
	}
	assert.Equal(t, 1, receipted)
	assert.Equal(t, 1, h.gw.creates())
	assert.Len(t, h.load(t, 1).RecurringPayments, 2)
	assert.Len(t, h.receipts.sent, 1)
}

func TestChargeOnce_SkipsLockedAgreement(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.seedAgreement(4)

	release, err := h.locker.Acquire(context.Background(), agreementLockKey(1))
	require.NoError(t, err)
	defer release()

	out, err := h.processor.ChargeOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ChargeSkipped, out.State)
	assert.Equal(t, models.ReasonAlreadyProcessing, out.Reason)
	assert.Zero(t, h.gw.creates())
}

func TestChargeOnce_SkipsAgreementThatIsNotDue(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *models.PaymentRecord)
	}{
		{"future", func(p *models.PaymentRecord) { p.RecurringNext = models.TimePtr(testNow.Add(time.Hour)) }},
		{"inactive", func(p *models.PaymentRecord) { p.RecurringActive = false }},
		{"not recurring", func(p *models.PaymentRecord) { p.Recurring = false }},
		{"no customer", func(p *models.PaymentRecord) { p.CustomerID = nil }},
		{"pending", func(p *models.PaymentRecord) { p.Status = models.StatusPending }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, ProcessorConfig{})
			agreement := h.seedAgreement(4)
			tt.mutate(agreement)
			h.repo.Insert(agreement)

			out, err := h.processor.ChargeOnce(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, models.ChargeSkipped, out.State)
			assert.Equal(t, models.ReasonNotEligible, out.Reason)
			assert.Zero(t, h.gw.creates())
		})
	}
}

func TestChargeOnce_InvalidAmountFailsBeforeSubmission(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	agreement := h.seedAgreement(4)
	agreement.AuthorizedAmount = "ten"
	h.repo.Insert(agreement)

	out, err := h.processor.ChargeOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonGatewayError, out.Reason)
	assert.Zero(t, h.gw.creates())
}

func TestChargeOnce_CancelledBeforeSubmission(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.seedAgreement(4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := h.processor.ChargeOnce(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonGatewayError, out.Reason)
	assert.Zero(t, h.gw.creates())
}

func TestChargeOnce_PreflightAdoptsExistingCharge(t *testing.T) {
	h := newHarness(t, ProcessorConfig{PreflightSearch: true})
	h.seedAgreement(4)
	h.gw.searchRes = searchHit("txEarlier")
	h.gw.txRes = collectedTx("txEarlier")

	out, err := h.processor.ChargeOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ChargeReceipted, out.State)
	assert.Zero(t, h.gw.creates())

	require.Len(t, h.gw.searchReqs, 1)
	assert.Equal(t, "clientReferenceInformation.code:AAA001-2", h.gw.searchReqs[0].Query)

	assert.Equal(t, "txEarlier", h.gw.txIDs[0])

	child := h.load(t, out.Child.ID)
	assert.Equal(t, "txEarlier", *child.PaymentID)
	assert.Equal(t, models.StatusTransmitted, child.Status)
	assert.Equal(t, "AAA001-2", child.Code)
}

func TestChargeOnce_DeclinedChargeIsRetriedNotAdopted(t *testing.T) {
	h := newHarness(t, ProcessorConfig{PreflightSearch: true})
	h.seedAgreement(6)
	before := h.load(t, 1)

	h.gw.createRes = gateway.Result[gateway.PaymentResponse]{StatusCode: 201, Reason: "DECLINED"}
	out, err := h.processor.ChargeOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonGatewayError, out.Reason)

	// The declined attempt is now indexed under the same child code.
	h.gw.searchRes = searchHit("txDeclined")
	h.gw.searchRes.Value.Embedded.TransactionSummaries[0].ApplicationInformation.Status = models.StatusDeclined
	h.gw.txRes = gateway.Result[gateway.Transaction]{OK: true, StatusCode: 200, Value: gateway.Transaction{
		ID:                     "txDeclined",
		ApplicationInformation: gateway.ApplicationInformation{Status: models.StatusDeclined, ReasonCode: "481"},
	}}

	out, err = h.processor.ChargeOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ChargeFailed, out.State)
	assert.Equal(t, 2, h.gw.creates())
	assert.Equal(t, before, h.load(t, 1))
	assert.Equal(t, 2, h.repo.Len())
	assert.Empty(t, h.receipts.sent)

	h.gw.createRes = newFakeGateway().createRes
	out, err = h.processor.ChargeOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ChargeReceipted, out.State)
	assert.Equal(t, 3, h.gw.creates())
	assert.Equal(t, "tx123", *h.load(t, out.Child.ID).PaymentID)
	assert.Equal(t, []int64{2, out.Child.ID}, h.load(t, 1).RecurringPayments)
}

func TestChargeOnce_UnconfirmedHitIsSubmitted(t *testing.T) {
	tests := []struct {
		name string
		tx   gateway.Result[gateway.Transaction]
	}{
		{"lookup fails", gateway.Result[gateway.Transaction]{StatusCode: 404, Reason: "NOT_FOUND"}},
		{"no status or reason code", gateway.Result[gateway.Transaction]{OK: true, StatusCode: 200, Value: gateway.Transaction{ID: "txOld"}}},
		{"invalid request", gateway.Result[gateway.Transaction]{OK: true, StatusCode: 200, Value: gateway.Transaction{
			ID:                     "txOld",
			ApplicationInformation: gateway.ApplicationInformation{Status: models.StatusInvalidRequest, ReasonCode: "102"},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, ProcessorConfig{PreflightSearch: true})
			h.seedAgreement(6)
			h.gw.searchRes = searchHit("txOld")
			h.gw.txRes = tt.tx

			out, err := h.processor.ChargeOnce(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, models.ChargeReceipted, out.State)
			assert.Equal(t, 1, h.gw.creates())
			assert.Equal(t, "tx123", *h.load(t, out.Child.ID).PaymentID)
		})
	}
}

func TestChargeOnce_PreflightLookupConfigurationFault(t *testing.T) {
	h := newHarness(t, ProcessorConfig{PreflightSearch: true})
	h.seedAgreement(6)
	h.gw.searchRes = searchHit("txOld")
	h.gw.txErr = models.NewConfigurationError("gateway credentials", models.EnvDevelopment, errors.New("missing"))

	out, err := h.processor.ChargeOnce(context.Background(), 1)
	assert.True(t, models.IsConfigurationFault(err))
	assert.Equal(t, models.ReasonConfigurationFault, out.Reason)
	assert.Zero(t, h.gw.creates())
}

func TestChargeOnce_PreflightMissSubmits(t *testing.T) {
	h := newHarness(t, ProcessorConfig{PreflightSearch: true})
	h.seedAgreement(4)

	out, err := h.processor.ChargeOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ChargeReceipted, out.State)
	assert.Equal(t, 1, h.gw.searches())
	assert.Equal(t, 1, h.gw.creates())
}

func TestChargeOnce_PreflightFailureIsGatewayError(t *testing.T) {
	h := newHarness(t, ProcessorConfig{PreflightSearch: true})
	h.seedAgreement(4)
	h.gw.searchRes = gateway.Result[gateway.SearchResponse]{Reason: "timeout: deadline exceeded"}

	out, err := h.processor.ChargeOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonGatewayError, out.Reason)
	assert.Zero(t, h.gw.creates())
	assert.Equal(t, 2, h.repo.Len())
}

func TestChargeOnce_RepairsOrphanedChildInsteadOfCharging(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.seedAgreement(4)
	orphanCreated := testNow.Add(-time.Hour)
	h.repo.Insert(&models.PaymentRecord{
		ID:          3,
		Code:        "AAA001-2",
		PaymentID:   models.StringPtr("txOrphan"),
		Status:      models.StatusTransmitted,
		Environment: models.EnvDevelopment,
		Created:     orphanCreated,
	})

	out, err := h.processor.ChargeOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ChargeRepaired, out.State)
	assert.Zero(t, h.gw.creates())

	parent := h.load(t, 1)
	assert.Equal(t, []int64{2, 3}, parent.RecurringPayments)
	assert.True(t, parent.RecurringActive)
	assert.Equal(t, MonthlySchedule{Months: 1}.NextChargeDate(orphanCreated), *parent.RecurringNext)
}

func TestChargeOnce_SettlementTimeoutStillSendsReceipt(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.seedAgreement(4)
	h.gw.txRes = gateway.Result[gateway.Transaction]{StatusCode: 404, Reason: "NOT_FOUND"}

	out, err := h.processor.ChargeOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ChargeReceipted, out.State)
	assert.Len(t, h.receipts.sent, 1)
}

func TestNormalizeAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "10", want: "10.00"},
		{in: "10.5", want: "10.5"},
		{in: "10.50", want: "10.50"},
		{in: " 7 ", want: "7.00"},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "-5", wantErr: true},
		{in: "0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeAmount(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReceiptKeyAndChildCode(t *testing.T) {
	assert.Equal(t, "rpayment_id_42_recurring", ReceiptKey(42))
	assert.Equal(t, "AAA001-3", ChildCode("AAA001", 3))
}
