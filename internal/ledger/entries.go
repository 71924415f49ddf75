package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"cogni/internal/enum"
	"cogni/internal/logger"

	"go.uber.org/zap"
)

// Entry is one append-only record of a balance change. Entries are never
// mutated after insert.
type Entry struct {
	ID               uuid.UUID         `json:"id"`
	BillingAccountID uuid.UUID         `json:"billingAccountId"`
	VirtualKeyID     *uuid.UUID        `json:"virtualKeyId,omitempty"`
	Amount           int64             `json:"amount"`
	BalanceAfter     int64             `json:"balanceAfter"`
	Reason           enum.LedgerReason `json:"reason"`
	Reference        *string           `json:"reference,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// CreditsForCost converts a cost expressed in credits to the integer
// amount actually charged: rounded, with a minimum of one credit for any
// non-zero cost so fractional calls are never free.
func CreditsForCost(cost decimal.Decimal) int64 {
	credits := cost.Round(0).IntPart()
	if credits == 0 && cost.IsPositive() {
		return 1
	}
	return credits
}

// DebitForUsage is the pre-call gate. It rounds cost to whole credits
// (minimum one for non-zero costs), debits the account, and appends an
// ai_usage entry referencing the request id, all in one transaction.
// A debit that would drive the balance negative fails with
// InsufficientCreditsError and leaves no ledger mutation.
//
// A zero cost writes nothing: it only verifies the account exists and
// holds a positive balance. The completion unit gates every call this
// way, since the actual cost is unknowable before the call and the
// post-call settlement is the charge of record.
func (s *Store) DebitForUsage(ctx context.Context, accountID, virtualKeyID uuid.UUID, cost decimal.Decimal, requestID string, metadata map[string]any) (*Entry, error) {
	if cost.IsNegative() {
		return nil, fmt.Errorf("debit cost must not be negative, got %s", cost)
	}
	credits := CreditsForCost(cost)

	if credits == 0 {
		balance, err := s.GetBalance(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if balance <= 0 {
			return nil, &InsufficientCreditsError{Previous: balance, Attempted: 1}
		}
		return &Entry{
			BillingAccountID: accountID,
			VirtualKeyID:     &virtualKeyID,
			BalanceAfter:     balance,
			Reason:           enum.LedgerReasonAiUsage,
			Reference:        &requestID,
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var newBalance int64
	err = tx.QueryRow(ctx, `
		UPDATE billing_accounts
		SET balance_credits = balance_credits - $1, updated_at = NOW()
		WHERE id = $2
		RETURNING balance_credits
	`, credits, accountID).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to debit balance: %w", err)
	}

	if newBalance < 0 {
		// Rollback via the deferred tx.Rollback; the balance row is untouched.
		return nil, &InsufficientCreditsError{Previous: newBalance + credits, Attempted: credits}
	}

	entry, err := insertEntry(ctx, tx, &Entry{
		BillingAccountID: accountID,
		VirtualKeyID:     &virtualKeyID,
		Amount:           -credits,
		BalanceAfter:     newBalance,
		Reason:           enum.LedgerReasonAiUsage,
		Reference:        &requestID,
		Metadata:         metadata,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry, nil
}

// CreditAccount adds credits to an account and appends a ledger entry.
// When reference is non-empty the operation is idempotent: a repeated
// reference returns the current balance without a second entry.
func (s *Store) CreditAccount(ctx context.Context, accountID uuid.UUID, amount int64, reason enum.LedgerReason, reference string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if reference != "" {
		var exists bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM credit_ledger_entries
				WHERE billing_account_id = $1 AND reference = $2
			)
		`, accountID, reference).Scan(&exists)
		if err != nil {
			return 0, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if exists {
			logger.GetLogger(ctx).Info("skipping duplicate credit",
				zap.String("billing_account_id", accountID.String()),
				zap.String("reference", reference))
			var balance int64
			if err := tx.QueryRow(ctx, `SELECT balance_credits FROM billing_accounts WHERE id = $1`, accountID).Scan(&balance); err != nil {
				return 0, fmt.Errorf("failed to get balance: %w", err)
			}
			return balance, tx.Commit(ctx)
		}
	}

	var newBalance int64
	err = tx.QueryRow(ctx, `
		UPDATE billing_accounts
		SET balance_credits = balance_credits + $1, updated_at = NOW()
		WHERE id = $2
		RETURNING balance_credits
	`, amount, accountID).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to credit balance: %w", err)
	}

	var ref *string
	if reference != "" {
		ref = &reference
	}
	if _, err := insertEntry(ctx, tx, &Entry{
		BillingAccountID: accountID,
		Amount:           amount,
		BalanceAfter:     newBalance,
		Reason:           reason,
		Reference:        ref,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newBalance, nil
}

// ListEntriesOptions filters ListEntries.
type ListEntriesOptions struct {
	Reason *enum.LedgerReason
	Limit  int
}

// ListEntries returns ledger entries for an account in reverse
// chronological order.
func (s *Store) ListEntries(ctx context.Context, accountID uuid.UUID, opts ListEntriesOptions) ([]*Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, billing_account_id, virtual_key_id, amount, balance_after,
		       reason, reference, metadata, created_at
		FROM credit_ledger_entries
		WHERE billing_account_id = $1`
	args := []interface{}{accountID}
	if opts.Reason != nil {
		query += ` AND reason = $2`
		args = append(args, string(*opts.Reason))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		if err := rows.Scan(
			&entry.ID, &entry.BillingAccountID, &entry.VirtualKeyID,
			&entry.Amount, &entry.BalanceAfter, &entry.Reason,
			&entry.Reference, &entry.Metadata, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}

// insertEntry appends a ledger entry inside an open transaction.
func insertEntry(ctx context.Context, tx pgx.Tx, entry *Entry) (*Entry, error) {
	entry.ID = uuid.New()
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_ledger_entries (
			id, billing_account_id, virtual_key_id, amount, balance_after,
			reason, reference, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, entry.ID, entry.BillingAccountID, entry.VirtualKeyID, entry.Amount,
		entry.BalanceAfter, string(entry.Reason), entry.Reference, entry.Metadata,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return entry, nil
}
