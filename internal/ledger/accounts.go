package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Account is a per-user credit container.
type Account struct {
	ID             uuid.UUID `json:"id"`
	OwnerUserID    uuid.UUID `json:"ownerUserId"`
	BalanceCredits int64     `json:"balanceCredits"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// VirtualKey is a scope handle attached to an account. It carries no
// secret material.
type VirtualKey struct {
	ID               uuid.UUID `json:"id"`
	BillingAccountID uuid.UUID `json:"billingAccountId"`
	Label            string    `json:"label"`
	IsDefault        bool      `json:"isDefault"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"createdAt"`
}

const defaultKeyLabel = "default"

// GetOrCreateAccount returns the billing account for a user, creating the
// account and its default virtual key with a zero balance on first use.
// The upsert is keyed on owner_user_id so concurrent first requests for
// the same user converge on one row.
func (s *Store) GetOrCreateAccount(ctx context.Context, userID uuid.UUID) (*Account, *VirtualKey, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	account := &Account{}
	err = tx.QueryRow(ctx, `
		INSERT INTO billing_accounts (id, owner_user_id, balance_credits)
		VALUES ($1, $2, 0)
		ON CONFLICT (owner_user_id) DO UPDATE SET updated_at = NOW()
		RETURNING id, owner_user_id, balance_credits, created_at, updated_at
	`, uuid.New(), userID).Scan(
		&account.ID, &account.OwnerUserID, &account.BalanceCredits,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to upsert billing account: %w", err)
	}

	key := &VirtualKey{}
	err = tx.QueryRow(ctx, `
		SELECT id, billing_account_id, label, is_default, active, created_at
		FROM virtual_keys
		WHERE billing_account_id = $1 AND is_default
	`, account.ID).Scan(
		&key.ID, &key.BillingAccountID, &key.Label, &key.IsDefault,
		&key.Active, &key.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx, `
			INSERT INTO virtual_keys (id, billing_account_id, label, is_default, active)
			VALUES ($1, $2, $3, TRUE, TRUE)
			RETURNING id, billing_account_id, label, is_default, active, created_at
		`, uuid.New(), account.ID, defaultKeyLabel).Scan(
			&key.ID, &key.BillingAccountID, &key.Label, &key.IsDefault,
			&key.Active, &key.CreatedAt,
		)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve default virtual key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return account, key, nil
}

// GetBalance returns the current credit balance for an account.
func (s *Store) GetBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `
		SELECT balance_credits FROM billing_accounts WHERE id = $1
	`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// GetVirtualKey returns a virtual key by id.
func (s *Store) GetVirtualKey(ctx context.Context, keyID uuid.UUID) (*VirtualKey, error) {
	key := &VirtualKey{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, billing_account_id, label, is_default, active, created_at
		FROM virtual_keys
		WHERE id = $1
	`, keyID).Scan(
		&key.ID, &key.BillingAccountID, &key.Label, &key.IsDefault,
		&key.Active, &key.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVirtualKeyNotFound
		}
		return nil, fmt.Errorf("failed to get virtual key: %w", err)
	}
	return key, nil
}
