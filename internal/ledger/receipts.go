package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cogni/internal/enum"
	"cogni/internal/logger"
)

// pgUniqueViolation is the postgres error code for unique constraint
// violations; a collision on the receipt key means another writer settled
// the same call first and is treated as success.
const pgUniqueViolation = "23505"

// Receipt pairs a ledger debit with the provider call id used as its
// idempotency key. Receipts are immutable after insert.
type Receipt struct {
	RequestID        string           `json:"requestId"`
	BillingAccountID uuid.UUID        `json:"billingAccountId"`
	VirtualKeyID     *uuid.UUID       `json:"virtualKeyId,omitempty"`
	ChargedCredits   int64            `json:"chargedCredits"`
	ProviderCallID   *string          `json:"providerCallId,omitempty"`
	ProviderCostUSD  *decimal.Decimal `json:"providerCostUsd,omitempty"`
	ChargeReason     string           `json:"chargeReason"`
	SourceSystem     string           `json:"sourceSystem"`
	SourceReference  string           `json:"sourceReference,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// ReceiptParams is the input to RecordChargeReceipt.
type ReceiptParams struct {
	RequestID        string
	BillingAccountID uuid.UUID
	VirtualKeyID     *uuid.UUID
	ChargedCredits   int64
	ProviderCallID   *string
	ProviderCostUSD  *decimal.Decimal
	ChargeReason     string
	SourceSystem     string
	SourceReference  string
}

// RecordChargeReceipt is the post-call settlement. It writes the receipt,
// debits the balance, and appends a charge_receipt ledger entry in one
// transaction, keyed on the request id for idempotency. A duplicate
// request id returns silently. The settlement never fails on
// insufficient credits: a completed LLM call must always be charged, so
// a negative resulting balance is logged as a critical invariant breach
// and the write completes.
func (s *Store) RecordChargeReceipt(ctx context.Context, params ReceiptParams) error {
	if params.RequestID == "" {
		return fmt.Errorf("receipt request id must not be empty")
	}
	if params.ChargedCredits < 0 {
		return fmt.Errorf("charged credits must not be negative, got %d", params.ChargedCredits)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	log := logger.GetLogger(ctx)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM charge_receipts WHERE request_id = $1)
	`, params.RequestID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check receipt idempotency: %w", err)
	}
	if exists {
		log.Debug("charge receipt already recorded",
			zap.String("request_id", params.RequestID))
		return nil
	}

	var costStr *string
	if params.ProviderCostUSD != nil {
		v := params.ProviderCostUSD.String()
		costStr = &v
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO charge_receipts (
			request_id, billing_account_id, virtual_key_id, charged_credits,
			provider_call_id, provider_cost_usd, charge_reason, source_system,
			source_reference
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)
	`, params.RequestID, params.BillingAccountID, params.VirtualKeyID,
		params.ChargedCredits, params.ProviderCallID, costStr,
		params.ChargeReason, params.SourceSystem, params.SourceReference)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to insert charge receipt: %w", err)
	}

	var newBalance int64
	err = tx.QueryRow(ctx, `
		UPDATE billing_accounts
		SET balance_credits = balance_credits - $1, updated_at = NOW()
		WHERE id = $2
		RETURNING balance_credits
	`, params.ChargedCredits, params.BillingAccountID).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("failed to debit balance for receipt: %w", err)
	}

	metadata := map[string]any{
		"source_system": params.SourceSystem,
	}
	if params.ProviderCallID != nil {
		metadata["provider_call_id"] = *params.ProviderCallID
	}
	if newBalance < 0 {
		log.Error("balance driven negative by post-call settlement",
			zap.String("invariant", "non_negative_balance"),
			zap.String("billing_account_id", params.BillingAccountID.String()),
			zap.String("request_id", params.RequestID),
			zap.Int64("balance_after", newBalance))
	}
	if s.settleFloor != nil && newBalance < *s.settleFloor {
		metadata["reconciliation_required"] = true
		log.Warn("settlement drove balance below configured floor",
			zap.String("billing_account_id", params.BillingAccountID.String()),
			zap.Int64("floor", *s.settleFloor),
			zap.Int64("balance_after", newBalance))
	}

	reference := params.RequestID
	if _, err := insertEntry(ctx, tx, &Entry{
		BillingAccountID: params.BillingAccountID,
		VirtualKeyID:     params.VirtualKeyID,
		Amount:           -params.ChargedCredits,
		BalanceAfter:     newBalance,
		Reason:           enum.LedgerReasonChargeReceipt,
		Reference:        &reference,
		Metadata:         metadata,
	}); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit receipt transaction: %w", err)
	}
	return nil
}

// ListReceipts returns receipts for an account within [from, to], newest
// first. Limit is capped at 1000.
func (s *Store) ListReceipts(ctx context.Context, accountID uuid.UUID, from, to time.Time, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx, `
		SELECT request_id, billing_account_id, virtual_key_id, charged_credits,
		       provider_call_id, provider_cost_usd::text, charge_reason,
		       source_system, source_reference, created_at
		FROM charge_receipts
		WHERE billing_account_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC
		LIMIT $4
	`, accountID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list charge receipts: %w", err)
	}
	defer rows.Close()

	var receipts []*Receipt
	for rows.Next() {
		receipt := &Receipt{}
		var costStr *string
		if err := rows.Scan(
			&receipt.RequestID, &receipt.BillingAccountID, &receipt.VirtualKeyID,
			&receipt.ChargedCredits, &receipt.ProviderCallID, &costStr,
			&receipt.ChargeReason, &receipt.SourceSystem, &receipt.SourceReference,
			&receipt.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan charge receipt: %w", err)
		}
		if costStr != nil {
			cost, err := decimal.NewFromString(*costStr)
			if err != nil {
				return nil, fmt.Errorf("failed to parse provider cost: %w", err)
			}
			receipt.ProviderCostUSD = &cost
		}
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating charge receipts: %w", err)
	}
	return receipts, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
