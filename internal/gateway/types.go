package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
)

// Request and response shapes of the CyberSource REST endpoints used by the
// recurring flow. Field names follow the gateway's JSON.

type ClientReferenceInformation struct {
	Code string `json:"code,omitempty"`
}

type AmountDetails struct {
	TotalAmount string `json:"totalAmount"`
	Currency    string `json:"currency"`
}

type OrderInformation struct {
	AmountDetails AmountDetails `json:"amountDetails"`
}

type PaymentCustomer struct {
	CustomerID string `json:"customerId,omitempty"`
	ID         string `json:"id,omitempty"`
}

type PaymentInformation struct {
	Customer *PaymentCustomer `json:"customer,omitempty"`
}

type MerchantInitiatedTransaction struct {
	PreviousTransactionID string `json:"previousTransactionID,omitempty"`
}

type Initiator struct {
	Type                         string                        `json:"type,omitempty"`
	CredentialStoredOnFile       *bool                         `json:"credentialStoredOnFile,omitempty"`
	StoredCredentialUsed         *bool                         `json:"storedCredentialUsed,omitempty"`
	MerchantInitiatedTransaction *MerchantInitiatedTransaction `json:"merchantInitiatedTransaction,omitempty"`
}

type AuthorizationOptions struct {
	Initiator *Initiator `json:"initiator,omitempty"`
}

type ProcessingInformation struct {
	Capture              *bool                 `json:"capture,omitempty"`
	CommerceIndicator    string                `json:"commerceIndicator,omitempty"`
	ActionList           []string              `json:"actionList,omitempty"`
	ActionTokenTypes     []string              `json:"actionTokenTypes,omitempty"`
	AuthorizationOptions *AuthorizationOptions `json:"authorizationOptions,omitempty"`
}

type MerchantDefinedInformation struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type CreatePaymentRequest struct {
	ClientReferenceInformation ClientReferenceInformation   `json:"clientReferenceInformation"`
	ProcessingInformation      *ProcessingInformation       `json:"processingInformation,omitempty"`
	OrderInformation           OrderInformation             `json:"orderInformation"`
	PaymentInformation         *PaymentInformation          `json:"paymentInformation,omitempty"`
	MerchantDefinedInformation []MerchantDefinedInformation `json:"merchantDefinedInformation,omitempty"`
}

type ErrorInformation struct {
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

type PaymentResponse struct {
	ID                         string                     `json:"id"`
	SubmitTimeUTC              string                     `json:"submitTimeUtc"`
	Status                     string                     `json:"status"`
	ReconciliationID           string                     `json:"reconciliationId,omitempty"`
	ClientReferenceInformation ClientReferenceInformation `json:"clientReferenceInformation"`
	ErrorInformation           *ErrorInformation          `json:"errorInformation,omitempty"`
}

type CapturePaymentRequest struct {
	ClientReferenceInformation ClientReferenceInformation `json:"clientReferenceInformation"`
	OrderInformation           OrderInformation           `json:"orderInformation"`
}

type ApplicationInformation struct {
	Status     string `json:"status,omitempty"`
	ReasonCode string `json:"reasonCode,omitempty"`
	RCode      string `json:"rCode,omitempty"`
	RFlag      string `json:"rFlag,omitempty"`
}

type Transaction struct {
	ID                         string                     `json:"id"`
	SubmitTimeUTC              string                     `json:"submitTimeUtc"`
	ClientReferenceInformation ClientReferenceInformation `json:"clientReferenceInformation"`
	ApplicationInformation     ApplicationInformation     `json:"applicationInformation"`
	PaymentInformation         PaymentInformation         `json:"paymentInformation"`
}

// CustomerID returns the payment-profile token linked to the transaction, or
// an empty string when the gateway has not linked one.
func (t *Transaction) CustomerID() string {
	if t.PaymentInformation.Customer == nil {
		return ""
	}
	if t.PaymentInformation.Customer.CustomerID != "" {
		return t.PaymentInformation.Customer.CustomerID
	}
	return t.PaymentInformation.Customer.ID
}

// ReasonCodeSuccess is the gateway reason code of an accepted transaction.
const ReasonCodeSuccess = 100

// Collected reports whether the transaction is a successful charge: either
// the success reason code or an accepted status.
func (t *Transaction) Collected() bool {
	if t.ReasonCode() == ReasonCodeSuccess {
		return true
	}
	switch t.ApplicationInformation.Status {
	case models.StatusAuthorized, models.StatusTransmitted, models.StatusPending:
		return true
	}
	return false
}

// ReasonCode returns the numeric gateway reason code, or 0 when absent.
func (t *Transaction) ReasonCode() int {
	code, err := strconv.Atoi(strings.TrimSpace(t.ApplicationInformation.ReasonCode))
	if err != nil {
		return 0
	}
	return code
}

type SearchRequest struct {
	Save   bool   `json:"save"`
	Name   string `json:"name,omitempty"`
	Query  string `json:"query"`
	Sort   string `json:"sort,omitempty"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

type TransactionSummary struct {
	ID                         string                     `json:"id"`
	SubmitTimeUTC              string                     `json:"submitTimeUtc"`
	ClientReferenceInformation ClientReferenceInformation `json:"clientReferenceInformation"`
	ApplicationInformation     ApplicationInformation     `json:"applicationInformation"`
	OrderInformation           *OrderInformation          `json:"orderInformation,omitempty"`
}

type SearchResponse struct {
	SearchID   string `json:"searchId"`
	Count      int    `json:"count"`
	TotalCount int    `json:"totalCount"`
	Embedded   struct {
		TransactionSummaries []TransactionSummary `json:"transactionSummaries"`
	} `json:"_embedded"`
}

func (r *SearchResponse) Summaries() []TransactionSummary {
	return r.Embedded.TransactionSummaries
}

var submitTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// ParseSubmitTime parses a gateway submitTimeUtc value. Values without a zone
// are UTC.
func ParseSubmitTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range submitTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized submit time %q", s)
}
