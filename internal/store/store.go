package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tiendas-io/subscriptions/internal/billing"
	"github.com/tiendas-io/subscriptions/internal/database"
	"github.com/tiendas-io/subscriptions/internal/models"
)

// DefaultAttempts bounds how often a conflicting write is recomputed.
const DefaultAttempts = 3

const accountColumns = `id, name, email, state, payment_status, plan, product_limit, created_at,
	next_payment_due_at, last_known_subscription_id, last_payment_id, last_payment_at,
	last_payment_amount, version, updated_at, updated_by`

// Store handles all database operations
type Store struct {
	db *database.DB
}

// New creates a new store instance
func New(db *database.DB) *Store {
	return &Store{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		acc     models.Account
		nextDue sql.NullTime
		subID   sql.NullString
		payID   sql.NullString
		paidAt  sql.NullTime
		amount  decimal.NullDecimal
		state   string
		status  string
		plan    string
	)
	err := row.Scan(&acc.ID, &acc.Name, &acc.Email, &state, &status, &plan, &acc.ProductLimit,
		&acc.CreatedAt, &nextDue, &subID, &payID, &paidAt, &amount, &acc.Version,
		&acc.UpdatedAt, &acc.UpdatedBy)
	if err != nil {
		return nil, err
	}
	acc.State = models.AccountState(state)
	acc.PaymentStatus = models.PaymentStatus(status)
	acc.Plan = models.Plan(plan)
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	if nextDue.Valid {
		t := nextDue.Time.UTC()
		acc.NextPaymentDueAt = &t
	}
	if subID.Valid {
		acc.LastKnownSubscriptionID = &subID.String
	}
	if payID.Valid {
		acc.LastPaymentID = &payID.String
	}
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		acc.LastPaymentAt = &t
	}
	acc.LastPaymentAmount = amount
	return &acc, nil
}

// CreateAccount inserts a new account and its first billing event.
func (s *Store) CreateAccount(ctx context.Context, acc *models.Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin create account")
	}
	defer tx.Rollback()

	if acc.Version == 0 {
		acc.Version = 1
	}
	_, err = tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		acc.ID, acc.Name, acc.Email, string(acc.State), string(acc.PaymentStatus), string(acc.Plan),
		acc.ProductLimit, acc.CreatedAt, acc.NextPaymentDueAt, acc.LastKnownSubscriptionID,
		acc.LastPaymentID, acc.LastPaymentAt, acc.LastPaymentAmount, acc.Version,
		acc.UpdatedAt, acc.UpdatedBy,
	)
	if err != nil {
		return errors.Wrapf(err, "insert account %s", acc.ID)
	}
	if err := s.insertEvent(ctx, tx, acc, acc.UpdatedBy, acc.UpdatedAt); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit create account")
}

// GetAccount loads one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind("SELECT "+accountColumns+" FROM accounts WHERE id = ?"), id)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.Newf("account %s not found", id), billing.ErrAccountNotFound)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get account %s", id)
	}
	return acc, nil
}

// GetAccountBySubscriptionID finds the account a provider subscription was last seen on.
func (s *Store) GetAccountBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx,
		s.db.Rebind("SELECT "+accountColumns+" FROM accounts WHERE last_known_subscription_id = ? ORDER BY updated_at DESC LIMIT 1"),
		subscriptionID)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.Newf("no account for subscription %s", subscriptionID), billing.ErrAccountNotFound)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get account by subscription %s", subscriptionID)
	}
	return acc, nil
}

// ListAccountsByState returns every account in the given state, oldest first.
func (s *Store) ListAccountsByState(ctx context.Context, state models.AccountState) ([]*models.Account, error) {
	return s.listAccounts(ctx, "SELECT "+accountColumns+" FROM accounts WHERE state = ? ORDER BY created_at", string(state))
}

// ListAccounts returns up to limit accounts, most recently updated first.
func (s *Store) ListAccounts(ctx context.Context, limit int) ([]*models.Account, error) {
	return s.listAccounts(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY updated_at DESC LIMIT ?", limit)
}

// CountAccountsByState returns how many accounts are in each state.
func (s *Store) CountAccountsByState(ctx context.Context) (map[models.AccountState]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM accounts GROUP BY state")
	if err != nil {
		return nil, errors.Wrap(err, "count accounts by state")
	}
	defer rows.Close()

	counts := make(map[models.AccountState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "scan state count")
		}
		counts[models.AccountState(state)] = n
	}
	return counts, errors.Wrap(rows.Err(), "iterate state counts")
}

func (s *Store) listAccounts(ctx context.Context, query string, args ...any) ([]*models.Account, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list accounts")
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan account")
		}
		accounts = append(accounts, acc)
	}
	return accounts, errors.Wrap(rows.Err(), "iterate accounts")
}

// Save writes the whole account row if nobody else has written it since it was read.
// acc.Version must hold the version that was read; on success it is advanced and an
// audit event is recorded in the same transaction.
func (s *Store) Save(ctx context.Context, acc *models.Account, source string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin save account")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE accounts SET
			state = ?, payment_status = ?, plan = ?, product_limit = ?,
			next_payment_due_at = ?, last_known_subscription_id = ?,
			last_payment_id = ?, last_payment_at = ?, last_payment_amount = ?,
			version = version + 1, updated_at = ?, updated_by = ?
		WHERE id = ? AND version = ?`),
		string(acc.State), string(acc.PaymentStatus), string(acc.Plan), acc.ProductLimit,
		acc.NextPaymentDueAt, acc.LastKnownSubscriptionID,
		acc.LastPaymentID, acc.LastPaymentAt, acc.LastPaymentAmount,
		at, source,
		acc.ID, acc.Version,
	)
	if err != nil {
		return errors.Wrapf(err, "update account %s", acc.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, s.db.Rebind("SELECT 1 FROM accounts WHERE id = ?"), acc.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Mark(errors.Newf("account %s not found", acc.ID), billing.ErrAccountNotFound)
		}
		return errors.Mark(errors.Newf("account %s changed since version %d", acc.ID, acc.Version), billing.ErrVersionConflict)
	}

	next := *acc
	next.Version++
	if err := s.insertEvent(ctx, tx, &next, source, at); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit save account")
	}

	acc.Version = next.Version
	acc.UpdatedAt = at
	acc.UpdatedBy = source
	return nil
}

// MutateFunc changes acc in place and reports whether anything needs writing.
type MutateFunc func(acc *models.Account) (bool, error)

// Mutate reads the account, applies fn and saves it. A version conflict re-reads the
// account and applies fn again, up to attempts times. It returns the account as stored
// and whether a write happened.
func (s *Store) Mutate(ctx context.Context, id, source string, attempts int, at time.Time, fn MutateFunc) (*models.Account, bool, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		acc, err := s.GetAccount(ctx, id)
		if err != nil {
			return nil, false, err
		}
		changed, err := fn(acc)
		if err != nil {
			return acc, false, err
		}
		if !changed {
			return acc, false, nil
		}
		err = s.Save(ctx, acc, source, at)
		if err == nil {
			return acc, true, nil
		}
		if !billing.IsRetryable(err) {
			return nil, false, err
		}
		lastErr = err
	}
	return nil, false, errors.Wrapf(lastErr, "giving up after %d attempts", attempts)
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, acc *models.Account, source string, at time.Time) error {
	_, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO billing_events
		(id, account_id, source, state, payment_status, plan, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.New().String(), acc.ID, source, string(acc.State), string(acc.PaymentStatus),
		string(acc.Plan), acc.Version, at,
	)
	return errors.Wrapf(err, "insert billing event for %s", acc.ID)
}

// ListEvents returns the audit trail of an account in write order.
func (s *Store) ListEvents(ctx context.Context, accountID string) ([]models.BillingEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT id, account_id, source, state, payment_status, plan, version, created_at
		FROM billing_events WHERE account_id = ? ORDER BY version`), accountID)
	if err != nil {
		return nil, errors.Wrap(err, "list billing events")
	}
	defer rows.Close()

	var events []models.BillingEvent
	for rows.Next() {
		var ev models.BillingEvent
		var state, status, plan string
		if err := rows.Scan(&ev.ID, &ev.AccountID, &ev.Source, &state, &status, &plan, &ev.Version, &ev.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan billing event")
		}
		ev.State = models.AccountState(state)
		ev.PaymentStatus = models.PaymentStatus(status)
		ev.Plan = models.Plan(plan)
		events = append(events, ev)
	}
	return events, errors.Wrap(rows.Err(), "iterate billing events")
}

// CountProducts returns how many products an account has published.
func (s *Store) CountProducts(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind("SELECT COUNT(*) FROM products WHERE account_id = ?"), accountID).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "count products for %s", accountID)
	}
	return n, nil
}

// AddProduct records a product row for an account. Catalog management lives elsewhere;
// this exists for seeding and tests.
func (s *Store) AddProduct(ctx context.Context, accountID, name string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, s.db.Rebind("INSERT INTO products (id, account_id, name, created_at) VALUES (?, ?, ?, ?)"),
		id, accountID, name, time.Now().UTC())
	if err != nil {
		return "", errors.Wrapf(err, "insert product for %s", accountID)
	}
	return id, nil
}
