package models

// Field names a queryable PaymentRecord attribute.
type Field string

const (
	FieldCode            Field = "code"
	FieldPaymentID       Field = "payment_id"
	FieldCustomerID      Field = "customer_id"
	FieldStatus          Field = "status"
	FieldEnvironment     Field = "environment"
	FieldRecurring       Field = "recurring"
	FieldRecurringActive Field = "recurring_active"
	FieldRecurringNext   Field = "recurring_next"
	FieldCreated         Field = "created"
)

type Operator string

const (
	OpEq        Operator = "="
	OpLt        Operator = "<"
	OpIsNull    Operator = "IS NULL"
	OpIsNotNull Operator = "IS NOT NULL"
	// OpPrefix matches string fields starting with Value.
	OpPrefix Operator = "PREFIX"
)

type Condition struct {
	Field Field
	Op    Operator
	Value interface{}
}

// Query is a conjunction of conditions. Results are ordered by
// recurring_next then id, ascending.
type Query struct {
	Conditions []Condition
	Limit      int
}

func NewQuery() *Query {
	return &Query{}
}

func (q *Query) Where(f Field, op Operator, v interface{}) *Query {
	q.Conditions = append(q.Conditions, Condition{Field: f, Op: op, Value: v})
	return q
}

func (q *Query) IsNull(f Field) *Query {
	return q.Where(f, OpIsNull, nil)
}

func (q *Query) IsNotNull(f Field) *Query {
	return q.Where(f, OpIsNotNull, nil)
}
