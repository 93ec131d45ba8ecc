package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/groupgift/settlement-service/internal/domain"
	"github.com/groupgift/settlement-service/internal/money"
	"github.com/groupgift/settlement-service/internal/store"
	"github.com/groupgift/settlement-service/pkg/rewards"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memRepo is an in-memory store.Repository. A single mutex serializes every
// call, which mirrors the row locks the PostgreSQL implementation takes.
type memRepo struct {
	mu sync.Mutex

	users         map[uuid.UUID]*domain.User
	gifts         map[uuid.UUID]*domain.Gift
	contributions map[uuid.UUID][]domain.Contribution
	records       map[uuid.UUID]*domain.SettlementRecord
	credits       []domain.CreditTransaction
	clock         time.Time

	completePoolCalls int
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:         make(map[uuid.UUID]*domain.User),
		gifts:         make(map[uuid.UUID]*domain.Gift),
		contributions: make(map[uuid.UUID][]domain.Contribution),
		records:       make(map[uuid.UUID]*domain.SettlementRecord),
		clock:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (r *memRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func (r *memRepo) addUser(email, name string) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.users[id] = &domain.User{ID: id, ClerkUserID: "user_" + id.String(), Email: email, FullName: name}
	return id
}

func (r *memRepo) addGift(organizerID uuid.UUID, name string, pool string) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	organizer := r.users[organizerID]
	id := uuid.New()
	r.gifts[id] = &domain.Gift{
		ID:             id,
		Name:           name,
		OrganizerID:    organizerID,
		OrganizerEmail: organizer.Email,
		OrganizerName:  organizer.FullName,
		PoolBalance:    d(pool),
		Currency:       "USD",
	}
	return id
}

func (r *memRepo) addContribution(giftID uuid.UUID, userID *uuid.UUID, email, name, amount string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contributions[giftID] = append(r.contributions[giftID], domain.Contribution{
		ID:                uuid.New(),
		GiftID:            giftID,
		ContributorUserID: userID,
		ContributorEmail:  email,
		ContributorName:   name,
		Amount:            d(amount),
		CreatedAt:         r.tick(),
	})
}

func (r *memRepo) record(id uuid.UUID) domain.SettlementRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.records[id]
}

func (r *memRepo) recordsForGift(giftID uuid.UUID) []domain.SettlementRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked(func(rec *domain.SettlementRecord) bool { return rec.GiftID == giftID })
}

func (r *memRepo) sortedLocked(match func(*domain.SettlementRecord) bool) []domain.SettlementRecord {
	var out []domain.SettlementRecord
	for _, rec := range r.records {
		if match(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *memRepo) FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.ClerkUserID == clerkUserID {
			return u.ID, nil
		}
	}
	return uuid.Nil, store.ErrUserNotFound
}

func (r *memRepo) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memRepo) FindGiftByID(ctx context.Context, giftID uuid.UUID) (*domain.Gift, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gifts[giftID]
	if !ok {
		return nil, store.ErrGiftNotFound
	}
	cp := *g
	return &cp, nil
}

func (r *memRepo) ListContributionsByGift(ctx context.Context, giftID uuid.UUID) ([]domain.Contribution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Contribution(nil), r.contributions[giftID]...), nil
}

func (r *memRepo) CreateSettlements(ctx context.Context, records []*domain.SettlementRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(records) == 0 {
		return nil
	}
	gift, ok := r.gifts[records[0].GiftID]
	if !ok {
		return store.ErrGiftNotFound
	}

	committed := decimal.Zero
	for _, rec := range r.records {
		if rec.GiftID == gift.ID && rec.Status != domain.StatusFailed {
			committed = committed.Add(rec.TotalCharged)
		}
	}
	for _, rec := range records {
		committed = committed.Add(rec.TotalCharged)
		if rec.SupersedesID != nil {
			for _, existing := range r.records {
				if existing.SupersedesID != nil && *existing.SupersedesID == *rec.SupersedesID {
					return store.ErrAlreadySuperseded
				}
			}
		}
	}
	if committed.GreaterThan(gift.PoolBalance) {
		return store.ErrPoolExceeded
	}

	for _, rec := range records {
		now := r.tick()
		rec.CreatedAt = now
		rec.UpdatedAt = now
		cp := *rec
		r.records[rec.ID] = &cp
	}
	return nil
}

func (r *memRepo) FindSettlementByID(ctx context.Context, id uuid.UUID) (*domain.SettlementRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, store.ErrSettlementNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *memRepo) FindSupersedingSettlement(ctx context.Context, id uuid.UUID) (*domain.SettlementRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.SupersedesID != nil && *rec.SupersedesID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, store.ErrSettlementNotFound
}

func (r *memRepo) ListSettlementsByGift(ctx context.Context, giftID uuid.UUID) ([]domain.SettlementRecord, error) {
	return r.recordsForGift(giftID), nil
}

func (r *memRepo) pendingLocked(id uuid.UUID) (*domain.SettlementRecord, error) {
	rec, ok := r.records[id]
	if !ok {
		return nil, store.ErrSettlementNotFound
	}
	if rec.Status != domain.StatusPending {
		return nil, store.ErrSettlementNotPending
	}
	return rec, nil
}

func (r *memRepo) AssignSettlementProvider(ctx context.Context, id uuid.UUID, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.pendingLocked(id)
	if err != nil {
		return err
	}
	rec.Provider = &provider
	rec.UpdatedAt = r.tick()
	return nil
}

func (r *memRepo) MarkSettlementCompleted(ctx context.Context, id uuid.UUID, completion domain.SettlementCompletion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.pendingLocked(id)
	if err != nil {
		return err
	}
	now := r.tick()
	rec.Status = domain.StatusCompleted
	rec.GCClaimCode = completion.ClaimArtifact
	if completion.ProviderRequestID != nil {
		rec.ProviderRequestID = completion.ProviderRequestID
	}
	rec.FailureReason = nil
	rec.FailureCode = nil
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	return nil
}

func (r *memRepo) MarkSettlementFailed(ctx context.Context, id uuid.UUID, reason, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.pendingLocked(id)
	if err != nil {
		return err
	}
	rec.Status = domain.StatusFailed
	rec.FailureReason = &reason
	rec.FailureCode = &code
	rec.UpdatedAt = r.tick()
	return nil
}

func (r *memRepo) ListPendingPoolSettlements(ctx context.Context, charityID string) ([]domain.SettlementRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked(func(rec *domain.SettlementRecord) bool {
		return rec.Status == domain.StatusPendingPool && rec.CharityID != nil && *rec.CharityID == charityID
	}), nil
}

func (r *memRepo) ListPendingPoolCharityIDs(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for _, rec := range r.records {
		if rec.Status == domain.StatusPendingPool && rec.CharityID != nil && !seen[*rec.CharityID] {
			seen[*rec.CharityID] = true
			ids = append(ids, *rec.CharityID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *memRepo) CompletePendingPool(ctx context.Context, charityID string, ids []uuid.UUID, batchID uuid.UUID) ([]domain.SettlementRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completePoolCalls++
	now := r.tick()
	var updated []domain.SettlementRecord
	for _, id := range ids {
		rec, ok := r.records[id]
		if !ok || rec.Status != domain.StatusPendingPool || rec.CharityID == nil || *rec.CharityID != charityID {
			continue
		}
		bid := batchID
		rec.Status = domain.StatusCompleted
		rec.BatchID = &bid
		rec.CompletedAt = &now
		rec.UpdatedAt = now
		updated = append(updated, *rec)
	}
	return updated, nil
}

func (r *memRepo) GetCreditBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return decimal.Zero, store.ErrUserNotFound
	}
	return u.CreditBalance, nil
}

func (r *memRepo) AddCredit(ctx context.Context, entry store.CreditEntry) (*domain.CreditTransaction, error) {
	return r.applyCredit(entry, entry.Amount)
}

func (r *memRepo) SpendCredit(ctx context.Context, entry store.CreditEntry) (*domain.CreditTransaction, error) {
	return r.applyCredit(entry, entry.Amount.Neg())
}

func (r *memRepo) applyCredit(entry store.CreditEntry, delta decimal.Decimal) (*domain.CreditTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[entry.UserID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	next := u.CreditBalance.Add(delta)
	if next.IsNegative() {
		return nil, store.ErrInsufficientBalance
	}
	if entry.SettlementID != nil {
		for _, txn := range r.credits {
			if txn.SettlementID != nil && *txn.SettlementID == *entry.SettlementID {
				return nil, store.ErrDuplicateCredit
			}
		}
	}
	txn := domain.CreditTransaction{
		ID:            uuid.New(),
		UserID:        entry.UserID,
		Amount:        entry.Amount,
		Type:          entry.Type,
		BalanceAfter:  next,
		RelatedGiftID: entry.RelatedGiftID,
		SettlementID:  entry.SettlementID,
		Metadata:      entry.Metadata,
		CreatedAt:     r.tick(),
	}
	u.CreditBalance = next
	r.credits = append(r.credits, txn)
	return &txn, nil
}

func (r *memRepo) ListCreditTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]domain.CreditTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CreditTransaction
	for i := len(r.credits) - 1; i >= 0 && len(out) < limit; i-- {
		if r.credits[i].UserID == userID {
			out = append(out, r.credits[i])
		}
	}
	return out, nil
}

// fakeIssuer returns queued errors in order, then succeeds. Successful issues
// are remembered by idempotency key like a real provider.
type fakeIssuer struct {
	name string

	mu       sync.Mutex
	failures []error
	calls    []rewards.Request
	issued   map[string]*rewards.Issued
}

func newFakeIssuer(name string, failures ...error) *fakeIssuer {
	return &fakeIssuer{name: name, failures: failures, issued: make(map[string]*rewards.Issued)}
}

func (f *fakeIssuer) Name() string { return f.name }

func (f *fakeIssuer) IdempotencyKey(settlementID uuid.UUID) string {
	return rewards.IdempotencyKey(f.name+"-", settlementID, 0)
}

func (f *fakeIssuer) Issue(ctx context.Context, req rewards.Request) (*rewards.Issued, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		if err != nil {
			return nil, err
		}
	}
	if issued, ok := f.issued[req.IdempotencyKey]; ok {
		return issued, nil
	}
	issued := &rewards.Issued{
		Provider:          f.name,
		ClaimArtifact:     fmt.Sprintf("CLAIM-%d", len(f.issued)+1),
		ProviderRequestID: req.IdempotencyKey,
	}
	f.issued[req.IdempotencyKey] = issued
	return issued, nil
}

func (f *fakeIssuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeIssuer) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, len(f.calls))
	for i, c := range f.calls {
		keys[i] = c.IdempotencyKey
	}
	return keys
}

func failure(provider string, category rewards.Category) error {
	return &rewards.Failure{Provider: provider, Category: category, Reason: string(category)}
}

// notifierStub records notifications and fails for recipients listed in failFor.
type notifierStub struct {
	mu      sync.Mutex
	sent    []domain.EmailNotification
	failFor map[string]bool
}

func (n *notifierStub) Send(ctx context.Context, notification domain.EmailNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failFor[strings.ToLower(notification.To)] {
		return errors.New("mail queue unavailable")
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *notifierStub) byTemplate(template domain.EmailTemplate) []domain.EmailNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.EmailNotification
	for _, sent := range n.sent {
		if sent.Template == template {
			out = append(out, sent)
		}
	}
	return out
}

type serviceFixture struct {
	repo      *memRepo
	notifier  *notifierStub
	service   *Service
	organizer uuid.UUID
	giftID    uuid.UUID
}

func newServiceFixture(pool string, issuers ...rewards.Issuer) *serviceFixture {
	repo := newMemRepo()
	notifier := &notifierStub{}
	organizer := repo.addUser("organizer@example.com", "Olive Organizer")
	giftID := repo.addGift(organizer, "Farewell gift for Sam", pool)
	chain := NewRewardChain("USD", time.Second, issuers...)
	service := NewService(repo, money.DefaultFeeCalculator(), chain, notifier, discardLogger())
	service.SetReceiptBaseURL("https://giftpool.example/receipts/")
	return &serviceFixture{repo: repo, notifier: notifier, service: service, organizer: organizer, giftID: giftID}
}
