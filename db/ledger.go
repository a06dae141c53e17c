package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arulbarker/streammateseller/usage"
)

// ErrAccountNotFound is returned for deductions against an account that was never created.
var ErrAccountNotFound = errors.New("credit account not found")

var (
	_ usage.Biller         = (*Ledger)(nil)
	_ usage.BalanceChecker = (*Ledger)(nil)
)

// Ledger bills one credit account. Each deduction updates the balance and appends a
// ledger row in a single transaction. The balance may go negative: usage that already
// happened is always recorded.
type Ledger struct {
	db      *sql.DB
	account string
}

func NewLedger(database *sql.DB, account string) *Ledger {
	if account == "" {
		account = "default"
	}
	return &Ledger{db: database, account: account}
}

// Account is the billed account name.
func (l *Ledger) Account() string { return l.account }

// EnsureAccount creates the account with an opening balance if it does not exist.
func (l *Ledger) EnsureAccount(ctx context.Context, opening float64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO credit_accounts (account, balance) VALUES ($1, $2) ON CONFLICT (account) DO NOTHING`,
		l.account, opening)
	if err != nil {
		return fmt.Errorf("ensure account %s: %w", l.account, err)
	}
	return nil
}

func (l *Ledger) Deduct(ctx context.Context, component usage.Component, credits float64, note string) error {
	return l.apply(ctx, string(component), -credits, note)
}

// TopUp adds credits to the account.
func (l *Ledger) TopUp(ctx context.Context, credits float64, note string) error {
	if credits <= 0 {
		return fmt.Errorf("top up must be positive, got %v", credits)
	}
	return l.apply(ctx, "topup", credits, note)
}

func (l *Ledger) apply(ctx context.Context, component string, delta float64, note string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance float64
	err = tx.QueryRowContext(ctx,
		`UPDATE credit_accounts SET balance = balance + $2, updated_at = NOW() WHERE account = $1 RETURNING balance`,
		l.account, delta).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, l.account)
	}
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_ledger (account, component, credits, balance_after, note) VALUES ($1, $2, $3, $4, $5)`,
		l.account, component, delta, balance, note); err != nil {
		return fmt.Errorf("insert ledger row: %w", err)
	}
	return tx.Commit()
}

func (l *Ledger) Balance(ctx context.Context) (float64, error) {
	var balance float64
	err := l.db.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE account = $1`, l.account).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, l.account)
	}
	return balance, err
}

// Entry is one ledger row.
type Entry struct {
	Component    string    `json:"component"`
	Credits      float64   `json:"credits"`
	BalanceAfter float64   `json:"balance_after"`
	Note         string    `json:"note"`
	CreatedAt    time.Time `json:"created_at"`
}

// Recent returns the newest ledger rows, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT component, credits, balance_after, COALESCE(note, ''), created_at
		   FROM credit_ledger WHERE account = $1 ORDER BY id DESC LIMIT $2`,
		l.account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Component, &e.Credits, &e.BalanceAfter, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
