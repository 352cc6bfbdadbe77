package models

import (
	"strings"
	"time"
)

type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvSandbox     Environment = "sandbox"
	EnvProduction  Environment = "production"
)

// Canonical folds aliases and unknown names onto the two gateway environments.
func (e Environment) Canonical() Environment {
	switch Environment(strings.ToLower(string(e))) {
	case EnvProduction:
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

// Gateway-reported statuses the recurring flow cares about.
const (
	StatusTransmitted    = "TRANSMITTED"
	StatusAuthorized     = "AUTHORIZED"
	StatusPending        = "PENDING"
	StatusDeclined       = "DECLINED"
	StatusInvalidRequest = "INVALID_REQUEST"
)

// PaymentRecord is one charge attempt or one recurring agreement.
type PaymentRecord struct {
	ID                int64       `json:"id"`
	Code              string      `json:"code"`
	PaymentID         *string     `json:"payment_id,omitempty"`
	CustomerID        *string     `json:"customer_id,omitempty"`
	AuthorizedAmount  string      `json:"authorized_amount"`
	Currency          string      `json:"currency"`
	Status            string      `json:"status"`
	Environment       Environment `json:"environment"`
	Recurring         bool        `json:"recurring"`
	RecurringActive   bool        `json:"recurring_active"`
	RecurringNext     *time.Time  `json:"recurring_next,omitempty"`
	RecurringMax      int         `json:"recurring_max"`
	RecurringPayments []int64     `json:"recurring_payments"`
	Submitted         *time.Time  `json:"submitted,omitempty"`
	Created           time.Time   `json:"created"`
}

// IsAgreement reports whether the record is a chargeable recurring agreement.
func (p *PaymentRecord) IsAgreement() bool {
	return p.Recurring && p.RecurringActive
}

func (p *PaymentRecord) HasPaymentID() bool {
	return p.PaymentID != nil && *p.PaymentID != ""
}

func (p *PaymentRecord) HasCustomerID() bool {
	return p.CustomerID != nil && *p.CustomerID != ""
}

// HasChild reports whether id is already listed in RecurringPayments.
func (p *PaymentRecord) HasChild(id int64) bool {
	for _, c := range p.RecurringPayments {
		if c == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate independently.
func (p *PaymentRecord) Clone() *PaymentRecord {
	c := *p
	c.PaymentID = cloneString(p.PaymentID)
	c.CustomerID = cloneString(p.CustomerID)
	c.RecurringNext = cloneTime(p.RecurringNext)
	c.Submitted = cloneTime(p.Submitted)
	c.RecurringPayments = append([]int64(nil), p.RecurringPayments...)
	return &c
}

func StringPtr(s string) *string { return &s }

func TimePtr(t time.Time) *time.Time { return &t }

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

