package models

import "time"

// ChargeState is a step of the recurring charge cycle.
type ChargeState string

const (
	ChargeSelected       ChargeState = "SELECTED"
	ChargeCeilingChecked ChargeState = "CEILING_CHECKED"
	ChargeSubmitted      ChargeState = "SUBMITTED"
	ChargeSucceeded      ChargeState = "SUCCEEDED"
	ChargeFailed         ChargeState = "FAILED"
	ChargePersisted      ChargeState = "PERSISTED"
	ChargeScheduled      ChargeState = "SCHEDULED"
	ChargeDeactivated    ChargeState = "DEACTIVATED"
	ChargeReceipted      ChargeState = "RECEIPTED"
	// ChargeSkipped and ChargeRepaired end a cycle without a gateway call.
	ChargeSkipped  ChargeState = "SKIPPED"
	ChargeRepaired ChargeState = "REPAIRED"
)

type FailureReason string

const (
	ReasonNone               FailureReason = ""
	ReasonCeilingReached     FailureReason = "CEILING_REACHED"
	ReasonGatewayError       FailureReason = "GATEWAY_ERROR"
	ReasonAlreadyProcessing  FailureReason = "ALREADY_PROCESSING"
	ReasonNotEligible        FailureReason = "NOT_ELIGIBLE"
	ReasonConfigurationFault FailureReason = "CONFIGURATION_FAULT"
)

// ChargeOutcome is the result of one charge cycle for one agreement.
type ChargeOutcome struct {
	AgreementID int64
	State       ChargeState
	Reason      FailureReason
	Detail      string
	Child       *PaymentRecord
}

func (o ChargeOutcome) Succeeded() bool {
	return o.State == ChargeReceipted
}

type ReconcileKind string

const (
	ReconcileCustomerID ReconcileKind = "customer_id"
	ReconcilePaymentID  ReconcileKind = "payment_id"
	ReconcileChildren   ReconcileKind = "children"
)

type ReconcileState string

const (
	ReconcileUpdated ReconcileState = "UPDATED"
	// ReconcileMiss means the gateway had nothing to backfill yet.
	ReconcileMiss    ReconcileState = "MISS"
	ReconcileFailed  ReconcileState = "FAILED"
	ReconcileSkipped ReconcileState = "SKIPPED"
)

type ReconcileOutcome struct {
	AgreementID int64
	Kind        ReconcileKind
	State       ReconcileState
	Detail      string
}

// RecurringEvent is published whenever a charge cycle reaches a terminal state.
type RecurringEvent struct {
	EventID     string        `json:"event_id"`
	AgreementID int64         `json:"agreement_id"`
	Code        string        `json:"code"`
	State       ChargeState   `json:"state"`
	Reason      FailureReason `json:"reason,omitempty"`
	ChildID     int64         `json:"child_id,omitempty"`
	PaymentID   string        `json:"payment_id,omitempty"`
	Environment Environment   `json:"environment"`
	Timestamp   time.Time     `json:"timestamp"`
}
