package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
)

// MemoryPaymentRepository keeps records in process memory and evaluates
// queries in Go with the same semantics as PaymentRepository. It backs tests
// and local runs without PostgreSQL.
type MemoryPaymentRepository struct {
	mu      sync.RWMutex
	records map[int64]*models.PaymentRecord
	nextID  int64
	now     func() time.Time
}

func NewMemoryPaymentRepository() *MemoryPaymentRepository {
	return &MemoryPaymentRepository{
		records: make(map[int64]*models.PaymentRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets the source of Created timestamps.
func (r *MemoryPaymentRepository) WithClock(now func() time.Time) *MemoryPaymentRepository {
	r.now = now
	return r
}

func (r *MemoryPaymentRepository) Find(_ context.Context, q *models.Query) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.PaymentRecord
	for _, p := range r.records {
		ok, err := matches(p, q.Conditions)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, p)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].RecurringNext, matched[j].RecurringNext
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return matched[i].ID < matched[j].ID
	})

	ids := make([]int64, 0, len(matched))
	for _, p := range matched {
		if q.Limit > 0 && len(ids) == q.Limit {
			break
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (r *MemoryPaymentRepository) Load(_ context.Context, id int64) (*models.PaymentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("payment %d: %w", id, models.ErrNotFound)
	}
	return p.Clone(), nil
}

func (r *MemoryPaymentRepository) Save(_ context.Context, p *models.PaymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.records[p.ID]
	if !ok {
		return fmt.Errorf("payment %d: %w", p.ID, models.ErrNotFound)
	}

	next := p.Clone()
	next.Created = current.Created
	next.Environment = current.Environment
	next.Recurring = current.Recurring
	if next.PaymentID == nil {
		next.PaymentID = current.PaymentID
	}
	if next.CustomerID == nil {
		next.CustomerID = current.CustomerID
	}
	children := append([]int64(nil), current.RecurringPayments...)
	for _, c := range next.RecurringPayments {
		if !current.HasChild(c) {
			children = append(children, c)
		}
	}
	next.RecurringPayments = children

	r.records[p.ID] = next
	return nil
}

func (r *MemoryPaymentRepository) Create(_ context.Context, p *models.PaymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	p.ID = r.nextID
	p.Created = r.now()
	r.records[p.ID] = p.Clone()
	return nil
}

// Insert stores p as-is, keeping its ID and Created values. Used to seed
// fixtures.
func (r *MemoryPaymentRepository) Insert(p *models.PaymentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == 0 {
		r.nextID++
		p.ID = r.nextID
	} else if p.ID > r.nextID {
		r.nextID = p.ID
	}
	if p.Created.IsZero() {
		p.Created = r.now()
	}
	r.records[p.ID] = p.Clone()
}

func (r *MemoryPaymentRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func matches(p *models.PaymentRecord, conds []models.Condition) (bool, error) {
	for _, c := range conds {
		ok, err := match(p, c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func match(p *models.PaymentRecord, c models.Condition) (bool, error) {
	v, isNull, err := fieldValue(p, c.Field)
	if err != nil {
		return false, err
	}

	switch c.Op {
	case models.OpIsNull:
		return isNull, nil
	case models.OpIsNotNull:
		return !isNull, nil
	}
	if isNull {
		return false, nil
	}

	switch c.Op {
	case models.OpEq:
		n, ok := compare(v, c.Value)
		return ok && n == 0, nil
	case models.OpLt:
		n, ok := compare(v, c.Value)
		return ok && n < 0, nil
	case models.OpPrefix:
		s, ok := v.(string)
		prefix, pok := c.Value.(string)
		if !ok || !pok {
			return false, fmt.Errorf("prefix on %s needs string values", c.Field)
		}
		return strings.HasPrefix(s, prefix), nil
	default:
		return false, fmt.Errorf("unsupported operator %q", c.Op)
	}
}

func fieldValue(p *models.PaymentRecord, f models.Field) (interface{}, bool, error) {
	switch f {
	case models.FieldCode:
		return p.Code, false, nil
	case models.FieldPaymentID:
		if p.PaymentID == nil {
			return nil, true, nil
		}
		return *p.PaymentID, false, nil
	case models.FieldCustomerID:
		if p.CustomerID == nil {
			return nil, true, nil
		}
		return *p.CustomerID, false, nil
	case models.FieldStatus:
		return p.Status, false, nil
	case models.FieldEnvironment:
		return string(p.Environment), false, nil
	case models.FieldRecurring:
		return p.Recurring, false, nil
	case models.FieldRecurringActive:
		return p.RecurringActive, false, nil
	case models.FieldRecurringNext:
		if p.RecurringNext == nil {
			return nil, true, nil
		}
		return *p.RecurringNext, false, nil
	case models.FieldCreated:
		return p.Created, false, nil
	default:
		return nil, false, fmt.Errorf("unsupported query field %q", f)
	}
}

// compare orders a against b. ok is false when the kinds differ.
func compare(a, b interface{}) (int, bool) {
	switch av := a.(type) {
	case string:
		bv, ok := toString(b)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av {
			return -1, true
		}
		return 1, true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case av.Before(bv):
			return -1, true
		case av.After(bv):
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case models.Environment:
		return string(s), true
	}
	return "", false
}
