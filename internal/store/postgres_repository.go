/**
 * @description
 * PostgreSQL implementation of the Repository interface for users, gifts,
 * contributions and settlement records.
 *
 * @notes
 * - Money is stored as BIGINT cents and converted to decimal at this boundary.
 * - Status transitions are conditional updates guarded on the current status so
 *   a retried call can never move a record twice.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pool.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/groupgift/settlement-service/internal/domain"
)

const uniqueViolation = "23505"

const settlementColumns = `id, gift_id, created_by, amount_cents, total_charged_cents, transaction_fee_cents, fee_covered,
	disposition, status, charity_id, charity_name, refund_method, recipient_user_id, recipient_email, recipient_name,
	provider, gc_claim_code, provider_request_id, batch_id, supersedes_id, failure_reason, failure_code,
	created_at, updated_at, completed_at`

// PostgresRepository is the PostgreSQL implementation of the Repository interface.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// FindUserIDByClerkUserID resolves the internal UUID from a Clerk user id string.
func (r *PostgresRepository) FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, "SELECT id FROM users WHERE clerk_user_id = $1", clerkUserID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrUserNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}

func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	var balanceCents int64
	err := r.db.QueryRow(ctx, `
		SELECT id, clerk_user_id, email, full_name, credit_balance_cents
		FROM users WHERE id = $1`, userID,
	).Scan(&user.ID, &user.ClerkUserID, &user.Email, &user.FullName, &balanceCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	user.CreditBalance = fromCents(balanceCents)
	return &user, nil
}

func (r *PostgresRepository) FindGiftByID(ctx context.Context, giftID uuid.UUID) (*domain.Gift, error) {
	var gift domain.Gift
	var poolCents int64
	err := r.db.QueryRow(ctx, `
		SELECT g.id, g.name, g.organizer_id, u.email, u.full_name, g.pool_balance_cents, g.currency
		FROM gifts g
		JOIN users u ON u.id = g.organizer_id
		WHERE g.id = $1`, giftID,
	).Scan(&gift.ID, &gift.Name, &gift.OrganizerID, &gift.OrganizerEmail, &gift.OrganizerName, &poolCents, &gift.Currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGiftNotFound
		}
		return nil, err
	}
	gift.PoolBalance = fromCents(poolCents)
	return &gift, nil
}

// ListContributionsByGift returns contributions oldest-first.
func (r *PostgresRepository) ListContributionsByGift(ctx context.Context, giftID uuid.UUID) ([]domain.Contribution, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, gift_id, contributor_user_id, contributor_email, contributor_name, amount_cents, created_at
		FROM contributions
		WHERE gift_id = $1
		ORDER BY created_at ASC, id ASC`, giftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contributions []domain.Contribution
	for rows.Next() {
		var c domain.Contribution
		var amountCents int64
		if err := rows.Scan(&c.ID, &c.GiftID, &c.ContributorUserID, &c.ContributorEmail, &c.ContributorName, &amountCents, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Amount = fromCents(amountCents)
		contributions = append(contributions, c)
	}
	return contributions, rows.Err()
}

// CreateSettlements inserts records for a single gift in one transaction.
func (r *PostgresRepository) CreateSettlements(ctx context.Context, records []*domain.SettlementRecord) error {
	if len(records) == 0 {
		return nil
	}
	giftID := records[0].GiftID
	var requested int64
	for _, rec := range records {
		if rec.GiftID != giftID {
			return fmt.Errorf("settlement batch spans multiple gifts")
		}
		requested += toCents(rec.TotalCharged)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Lock the gift so concurrent settlements serialize on the pool check.
	var poolCents int64
	err = tx.QueryRow(ctx, "SELECT pool_balance_cents FROM gifts WHERE id = $1 FOR UPDATE", giftID).Scan(&poolCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrGiftNotFound
		}
		return err
	}

	var committedCents int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_charged_cents), 0)::BIGINT
		FROM settlement_records
		WHERE gift_id = $1 AND status <> 'failed'`, giftID,
	).Scan(&committedCents)
	if err != nil {
		return err
	}
	if committedCents+requested > poolCents {
		return ErrPoolExceeded
	}

	for _, rec := range records {
		var refundMethod *string
		if rec.RefundMethod != nil {
			m := string(*rec.RefundMethod)
			refundMethod = &m
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO settlement_records (
				id, gift_id, created_by, amount_cents, total_charged_cents, transaction_fee_cents, fee_covered,
				disposition, status, charity_id, charity_name, refund_method, recipient_user_id, recipient_email,
				recipient_name, provider, supersedes_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			RETURNING created_at, updated_at`,
			rec.ID, rec.GiftID, rec.CreatedBy, toCents(rec.Amount), toCents(rec.TotalCharged), toCents(rec.TransactionFee), rec.FeeCovered,
			string(rec.Disposition), string(rec.Status), rec.CharityID, rec.CharityName, refundMethod, rec.RecipientUserID, rec.RecipientEmail,
			rec.RecipientName, rec.Provider, rec.SupersedesID,
		).Scan(&rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err, "settlement_records_supersedes_id_key") {
				return ErrAlreadySuperseded
			}
			return fmt.Errorf("insert settlement %s: %w", rec.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) FindSettlementByID(ctx context.Context, id uuid.UUID) (*domain.SettlementRecord, error) {
	row := r.db.QueryRow(ctx, "SELECT "+settlementColumns+" FROM settlement_records WHERE id = $1", id)
	rec, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return rec, nil
}

// FindSupersedingSettlement returns the record created to replace id.
func (r *PostgresRepository) FindSupersedingSettlement(ctx context.Context, id uuid.UUID) (*domain.SettlementRecord, error) {
	row := r.db.QueryRow(ctx, "SELECT "+settlementColumns+" FROM settlement_records WHERE supersedes_id = $1", id)
	rec, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (r *PostgresRepository) ListSettlementsByGift(ctx context.Context, giftID uuid.UUID) ([]domain.SettlementRecord, error) {
	rows, err := r.db.Query(ctx, "SELECT "+settlementColumns+" FROM settlement_records WHERE gift_id = $1 ORDER BY created_at ASC, id ASC", giftID)
	if err != nil {
		return nil, err
	}
	return collectSettlements(rows)
}

func (r *PostgresRepository) AssignSettlementProvider(ctx context.Context, id uuid.UUID, provider string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE settlement_records
		SET provider = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, provider)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missedTransition(ctx, id)
	}
	return nil
}

func (r *PostgresRepository) MarkSettlementCompleted(ctx context.Context, id uuid.UUID, completion domain.SettlementCompletion) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE settlement_records
		SET status = 'completed',
			gc_claim_code = $2,
			provider_request_id = COALESCE($3, provider_request_id),
			failure_reason = NULL,
			failure_code = NULL,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		id, completion.ClaimArtifact, completion.ProviderRequestID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missedTransition(ctx, id)
	}
	return nil
}

func (r *PostgresRepository) MarkSettlementFailed(ctx context.Context, id uuid.UUID, reason, code string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE settlement_records
		SET status = 'failed', failure_reason = $2, failure_code = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, reason, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missedTransition(ctx, id)
	}
	return nil
}

func (r *PostgresRepository) missedTransition(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM settlement_records WHERE id = $1)", id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrSettlementNotFound
	}
	return ErrSettlementNotPending
}

// ListPendingPoolSettlements returns a charity's pooled records oldest-first.
func (r *PostgresRepository) ListPendingPoolSettlements(ctx context.Context, charityID string) ([]domain.SettlementRecord, error) {
	rows, err := r.db.Query(ctx, "SELECT "+settlementColumns+`
		FROM settlement_records
		WHERE status = 'pending_pool' AND disposition = 'charity' AND charity_id = $1
		ORDER BY created_at ASC, id ASC`, charityID)
	if err != nil {
		return nil, err
	}
	return collectSettlements(rows)
}

func (r *PostgresRepository) ListPendingPoolCharityIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT charity_id
		FROM settlement_records
		WHERE status = 'pending_pool' AND disposition = 'charity'
		ORDER BY charity_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) CompletePendingPool(ctx context.Context, charityID string, ids []uuid.UUID, batchID uuid.UUID) ([]domain.SettlementRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	idStrings := make([]string, len(ids))
	for i, id := range ids {
		idStrings[i] = id.String()
	}

	rows, err := r.db.Query(ctx, `
		UPDATE settlement_records
		SET status = 'completed', batch_id = $1, completed_at = NOW(), updated_at = NOW()
		WHERE id = ANY($2::uuid[])
		  AND charity_id = $3
		  AND disposition = 'charity'
		  AND status = 'pending_pool'
		RETURNING `+settlementColumns,
		batchID, idStrings, charityID)
	if err != nil {
		return nil, err
	}
	records, err := collectSettlements(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func collectSettlements(rows pgx.Rows) ([]domain.SettlementRecord, error) {
	defer rows.Close()
	var records []domain.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanSettlement(row pgx.Row) (*domain.SettlementRecord, error) {
	var rec domain.SettlementRecord
	var amountCents, totalCents, feeCents int64
	var disposition, status string
	var refundMethod *string

	err := row.Scan(
		&rec.ID,
		&rec.GiftID,
		&rec.CreatedBy,
		&amountCents,
		&totalCents,
		&feeCents,
		&rec.FeeCovered,
		&disposition,
		&status,
		&rec.CharityID,
		&rec.CharityName,
		&refundMethod,
		&rec.RecipientUserID,
		&rec.RecipientEmail,
		&rec.RecipientName,
		&rec.Provider,
		&rec.GCClaimCode,
		&rec.ProviderRequestID,
		&rec.BatchID,
		&rec.SupersedesID,
		&rec.FailureReason,
		&rec.FailureCode,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Amount = fromCents(amountCents)
	rec.TotalCharged = fromCents(totalCents)
	rec.TransactionFee = fromCents(feeCents)
	rec.Disposition = domain.Disposition(disposition)
	rec.Status = domain.SettlementStatus(status)
	if refundMethod != nil {
		m := domain.RefundMethod(*refundMethod)
		rec.RefundMethod = &m
	}
	return &rec, nil
}
