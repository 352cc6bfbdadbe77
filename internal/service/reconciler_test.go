package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/gateway"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
)

func missingPaymentID(h *harness) *models.PaymentRecord {
	p := &models.PaymentRecord{
		ID:              7,
		Code:            "BBB001",
		Status:          models.StatusTransmitted,
		Environment:     models.EnvProduction,
		Recurring:       true,
		RecurringActive: true,
		RecurringMax:    12,
	}
	h.repo.Insert(p)
	return p
}

func TestBackfillPaymentID_NoMatchIsNoOp(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	missingPaymentID(h)
	before := h.load(t, 7)

	out, err := h.reconciler.BackfillPaymentID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileMiss, out.State)
	assert.Equal(t, before, h.load(t, 7))

	require.Len(t, h.gw.searchReqs, 1)
	search := h.gw.searchReqs[0]
	assert.Equal(t, "clientReferenceInformation.code:BBB001", search.Query)
	assert.Equal(t, "submitTimeUtc:desc", search.Sort)
	assert.Equal(t, 0, search.Offset)
	assert.Equal(t, 1, search.Limit)
}

func TestBackfillPaymentID_StoresNewestMatch(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	missingPaymentID(h)
	h.gw.searchRes = searchHit("txB")

	out, err := h.reconciler.BackfillPaymentID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileUpdated, out.State)
	assert.Equal(t, "txB", *h.load(t, 7).PaymentID)
}

func TestBackfillPaymentID_SkipsRecordThatHasOne(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.seedAgreement(4)

	out, err := h.reconciler.BackfillPaymentID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileSkipped, out.State)
	assert.Zero(t, h.gw.searches())
}

func TestBackfillPaymentID_GatewayFailureIsNotAnError(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	missingPaymentID(h)
	h.gw.searchRes = gateway.Result[gateway.SearchResponse]{StatusCode: 500, Reason: "SERVER_ERROR"}

	out, err := h.reconciler.BackfillPaymentID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileFailed, out.State)
	assert.Nil(t, h.load(t, 7).PaymentID)
}

func TestBackfillPaymentID_ConfigurationFault(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	missingPaymentID(h)
	h.gw.searchErr = models.NewConfigurationError("gateway credentials", models.EnvProduction, errors.New("missing"))

	_, err := h.reconciler.BackfillPaymentID(context.Background(), 7)
	assert.True(t, models.IsConfigurationFault(err))
}

func TestBackfillCustomerID(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	agreement := h.seedAgreement(4)
	agreement.CustomerID = nil
	h.repo.Insert(agreement)

	h.gw.txRes.Value.PaymentInformation.Customer = &gateway.PaymentCustomer{ID: "custX"}

	out, err := h.reconciler.BackfillCustomerID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileUpdated, out.State)
	assert.Equal(t, []string{"tx0"}, h.gw.txIDs)
	assert.Equal(t, "custX", *h.load(t, 1).CustomerID)
}

func TestBackfillCustomerID_NotLinkedYet(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	agreement := h.seedAgreement(4)
	agreement.CustomerID = nil
	h.repo.Insert(agreement)
	before := h.load(t, 1)

	out, err := h.reconciler.BackfillCustomerID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileMiss, out.State)
	assert.Equal(t, before, h.load(t, 1))
}

func TestRepairChildren_IgnoresUnrelatedCodes(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.seedAgreement(4)
	h.repo.Insert(&models.PaymentRecord{ID: 20, Code: "AAA001-X", Environment: models.EnvDevelopment})
	h.repo.Insert(&models.PaymentRecord{ID: 21, Code: "AAA001-1-2", Environment: models.EnvDevelopment})
	h.repo.Insert(&models.PaymentRecord{ID: 22, Code: "AAA001-2", Environment: models.EnvProduction})

	parent := h.load(t, 1)
	out, err := h.reconciler.RepairChildren(context.Background(), parent)
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileSkipped, out.State)
	assert.Equal(t, []int64{2}, h.load(t, 1).RecurringPayments)
}

func TestRepairChildren_DeactivatesAtCeiling(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.seedAgreement(3)
	h.repo.Insert(&models.PaymentRecord{ID: 3, Code: "AAA001-2", Environment: models.EnvDevelopment, Created: testNow})

	parent := h.load(t, 1)
	out, err := h.reconciler.RepairChildren(context.Background(), parent)
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileUpdated, out.State)

	stored := h.load(t, 1)
	assert.Equal(t, []int64{2, 3}, stored.RecurringPayments)
	assert.False(t, stored.RecurringActive)
}
