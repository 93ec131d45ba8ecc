package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/groupgift/settlement-service/internal/domain"
)

func (r *PostgresRepository) GetCreditBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var balanceCents int64
	err := r.db.QueryRow(ctx, "SELECT credit_balance_cents FROM users WHERE id = $1", userID).Scan(&balanceCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrUserNotFound
		}
		return decimal.Zero, err
	}
	return fromCents(balanceCents), nil
}

// AddCredit appends a REFUND or BONUS entry and raises the balance.
func (r *PostgresRepository) AddCredit(ctx context.Context, entry CreditEntry) (*domain.CreditTransaction, error) {
	return r.applyCredit(ctx, entry, toCents(entry.Amount))
}

// SpendCredit appends a SPEND entry and lowers the balance. It returns
// ErrInsufficientBalance without writing anything if the balance is short.
func (r *PostgresRepository) SpendCredit(ctx context.Context, entry CreditEntry) (*domain.CreditTransaction, error) {
	return r.applyCredit(ctx, entry, -toCents(entry.Amount))
}

func (r *PostgresRepository) applyCredit(ctx context.Context, entry CreditEntry, deltaCents int64) (*domain.CreditTransaction, error) {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal credit metadata: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lock the user row so concurrent mutations serialize on the balance.
	var balanceCents int64
	err = tx.QueryRow(ctx, "SELECT credit_balance_cents FROM users WHERE id = $1 FOR UPDATE", entry.UserID).Scan(&balanceCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	newBalance := balanceCents + deltaCents
	if newBalance < 0 {
		return nil, ErrInsufficientBalance
	}

	txn := &domain.CreditTransaction{
		ID:            uuid.New(),
		UserID:        entry.UserID,
		Amount:        entry.Amount.Round(2),
		Type:          entry.Type,
		BalanceAfter:  fromCents(newBalance),
		RelatedGiftID: entry.RelatedGiftID,
		SettlementID:  entry.SettlementID,
		Metadata:      metadata,
	}

	// Metadata is sent as text with an explicit cast; the simple protocol would
	// otherwise encode []byte as bytea.
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount_cents, type, balance_after_cents, related_gift_id, settlement_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		RETURNING created_at`,
		txn.ID, txn.UserID, toCents(entry.Amount), string(entry.Type), newBalance, entry.RelatedGiftID, entry.SettlementID, string(metadataJSON),
	).Scan(&txn.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "credit_transactions_settlement_id_key") {
			return nil, ErrDuplicateCredit
		}
		return nil, err
	}

	if _, err := tx.Exec(ctx, "UPDATE users SET credit_balance_cents = $2 WHERE id = $1", entry.UserID, newBalance); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return txn, nil
}

// ListCreditTransactions returns a user's ledger newest-first.
func (r *PostgresRepository) ListCreditTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]domain.CreditTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT ct.id, ct.user_id, ct.amount_cents, ct.type, ct.balance_after_cents, ct.related_gift_id, g.name,
			ct.settlement_id, ct.metadata, ct.created_at
		FROM credit_transactions ct
		LEFT JOIN gifts g ON g.id = ct.related_gift_id
		WHERE ct.user_id = $1
		ORDER BY ct.created_at DESC, ct.id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []domain.CreditTransaction
	for rows.Next() {
		var txn domain.CreditTransaction
		var amountCents, balanceCents int64
		var txnType string
		var metadataRaw []byte
		if err := rows.Scan(
			&txn.ID,
			&txn.UserID,
			&amountCents,
			&txnType,
			&balanceCents,
			&txn.RelatedGiftID,
			&txn.RelatedGiftName,
			&txn.SettlementID,
			&metadataRaw,
			&txn.CreatedAt,
		); err != nil {
			return nil, err
		}
		txn.Amount = fromCents(amountCents)
		txn.BalanceAfter = fromCents(balanceCents)
		txn.Type = domain.CreditTransactionType(txnType)
		if len(metadataRaw) > 0 {
			if err := json.Unmarshal(metadataRaw, &txn.Metadata); err != nil {
				return nil, fmt.Errorf("decode credit metadata for %s: %w", txn.ID, err)
			}
		}
		history = append(history, txn)
	}
	return history, rows.Err()
}
