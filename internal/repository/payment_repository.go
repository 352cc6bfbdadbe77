package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
)

// columns maps queryable fields to SQL columns. Query fields outside this set
// are rejected.
var columns = map[models.Field]string{
	models.FieldCode:            "code",
	models.FieldPaymentID:       "payment_id",
	models.FieldCustomerID:      "customer_id",
	models.FieldStatus:          "status",
	models.FieldEnvironment:     "environment",
	models.FieldRecurring:       "recurring",
	models.FieldRecurringActive: "recurring_active",
	models.FieldRecurringNext:   "recurring_next",
	models.FieldCreated:         "created",
}

const selectPayment = `
	SELECT id, code, payment_id, customer_id, authorized_amount, currency, status,
		environment, recurring, recurring_active, recurring_next, recurring_max,
		submitted, created
	FROM payments WHERE id = $1`

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payments (
			id BIGSERIAL PRIMARY KEY,
			code VARCHAR(255) NOT NULL,
			payment_id VARCHAR(255),
			customer_id VARCHAR(255),
			authorized_amount VARCHAR(32) NOT NULL,
			currency VARCHAR(3) NOT NULL,
			status VARCHAR(64) NOT NULL DEFAULT '',
			environment VARCHAR(32) NOT NULL,
			recurring BOOLEAN NOT NULL DEFAULT FALSE,
			recurring_active BOOLEAN NOT NULL DEFAULT FALSE,
			recurring_next TIMESTAMP,
			recurring_max INTEGER NOT NULL DEFAULT 0,
			submitted TIMESTAMP,
			created TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc'),
			updated TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc')
		)`,
		`CREATE TABLE IF NOT EXISTS payment_recurring_children (
			parent_id BIGINT NOT NULL REFERENCES payments(id),
			child_id BIGINT NOT NULL REFERENCES payments(id),
			delta INTEGER NOT NULL,
			PRIMARY KEY (parent_id, child_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_recurring ON payments(recurring, recurring_active, recurring_next)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_code ON payments(code)`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// Find returns the ids of records matching every condition of q.
func (r *PaymentRepository) Find(ctx context.Context, q *models.Query) ([]int64, error) {
	query, args, err := buildFindQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find payments: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func buildFindQuery(q *models.Query) (string, []interface{}, error) {
	var (
		where []string
		args  []interface{}
	)
	for _, c := range q.Conditions {
		col, ok := columns[c.Field]
		if !ok {
			return "", nil, fmt.Errorf("unsupported query field %q", c.Field)
		}
		switch c.Op {
		case models.OpIsNull, models.OpIsNotNull:
			where = append(where, fmt.Sprintf("%s %s", col, c.Op))
		case models.OpEq, models.OpLt:
			args = append(args, c.Value)
			where = append(where, fmt.Sprintf("%s %s $%d", col, c.Op, len(args)))
		case models.OpPrefix:
			prefix, ok := c.Value.(string)
			if !ok {
				return "", nil, fmt.Errorf("prefix on %s needs a string value", col)
			}
			args = append(args, escapeLike(prefix)+"%")
			where = append(where, fmt.Sprintf("%s LIKE $%d", col, len(args)))
		default:
			return "", nil, fmt.Errorf("unsupported operator %q", c.Op)
		}
	}

	var b strings.Builder
	b.WriteString("SELECT id FROM payments")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY recurring_next ASC NULLS FIRST, id ASC")
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), args, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (r *PaymentRepository) Load(ctx context.Context, id int64) (*models.PaymentRecord, error) {
	var (
		p          models.PaymentRecord
		paymentID  sql.NullString
		customerID sql.NullString
		env        string
		next       sql.NullTime
		submitted  sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, selectPayment, id).Scan(
		&p.ID, &p.Code, &paymentID, &customerID, &p.AuthorizedAmount, &p.Currency, &p.Status,
		&env, &p.Recurring, &p.RecurringActive, &next, &p.RecurringMax,
		&submitted, &p.Created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load payment %d: %w", id, err)
	}

	p.Environment = models.Environment(env)
	p.PaymentID = nullString(paymentID)
	p.CustomerID = nullString(customerID)
	p.RecurringNext = nullTime(next)
	p.Submitted = nullTime(submitted)
	p.Created = p.Created.UTC()

	rows, err := r.db.QueryContext(ctx,
		`SELECT child_id FROM payment_recurring_children WHERE parent_id = $1 ORDER BY delta ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load children of %d: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var child int64
		if err := rows.Scan(&child); err != nil {
			return nil, err
		}
		p.RecurringPayments = append(p.RecurringPayments, child)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &p, nil
}

// Save updates the record. Gateway identifiers already stored are kept when
// the record carries nil, and children are only ever appended.
func (r *PaymentRepository) Save(ctx context.Context, p *models.PaymentRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE payments SET
			code = $1,
			payment_id = COALESCE($2, payment_id),
			customer_id = COALESCE($3, customer_id),
			authorized_amount = $4,
			currency = $5,
			status = $6,
			recurring_active = $7,
			recurring_next = $8,
			recurring_max = $9,
			submitted = $10,
			updated = NOW() AT TIME ZONE 'utc'
		WHERE id = $11
	`, p.Code, p.PaymentID, p.CustomerID, p.AuthorizedAmount, p.Currency, p.Status,
		p.RecurringActive, p.RecurringNext, p.RecurringMax, p.Submitted, p.ID)
	if err != nil {
		return fmt.Errorf("save payment %d: %w", p.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("payment %d: %w", p.ID, models.ErrNotFound)
	}

	if len(p.RecurringPayments) > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payment_recurring_children (parent_id, child_id, delta)
			SELECT $1, child, ord::INTEGER - 1 FROM unnest($2::BIGINT[]) WITH ORDINALITY AS t(child, ord)
			ON CONFLICT (parent_id, child_id) DO NOTHING
		`, p.ID, pq.Array(p.RecurringPayments)); err != nil {
			return fmt.Errorf("save children of %d: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// Create inserts p and fills in its ID and Created timestamp.
func (r *PaymentRepository) Create(ctx context.Context, p *models.PaymentRecord) error {
	var created time.Time
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO payments (code, payment_id, customer_id, authorized_amount, currency, status,
			environment, recurring, recurring_active, recurring_next, recurring_max, submitted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created
	`, p.Code, p.PaymentID, p.CustomerID, p.AuthorizedAmount, p.Currency, p.Status,
		string(p.Environment), p.Recurring, p.RecurringActive, p.RecurringNext, p.RecurringMax, p.Submitted,
	).Scan(&p.ID, &created)
	if err != nil {
		return fmt.Errorf("create payment %s: %w", p.Code, err)
	}
	p.Created = created.UTC()
	return nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
