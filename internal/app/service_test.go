package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/groupgift/settlement-service/internal/domain"
	"github.com/groupgift/settlement-service/internal/store"
	"github.com/groupgift/settlement-service/pkg/rewards"
)

func giftCardRequest(amount string, covered bool) domain.SettlementRequest {
	return domain.SettlementRequest{
		Disposition:    domain.DispositionGiftCard,
		Amount:         d(amount),
		FeeCovered:     covered,
		RecipientEmail: "sam@example.com",
		RecipientName:  "Sam",
	}
}

func TestCreateSettlement_GiftCardIssuesAndCompletes(t *testing.T) {
	issuer := newFakeIssuer("giftcard")
	fx := newServiceFixture("200.00", issuer)

	outcome, err := fx.service.CreateSettlement(context.Background(), fx.organizer, fx.giftID, giftCardRequest("100.00", true))
	if err != nil {
		t.Fatalf("CreateSettlement returned error: %v", err)
	}
	if len(outcome.Records) != 1 || len(outcome.Failures) != 0 {
		t.Fatalf("expected one completed record, got %+v", outcome)
	}

	rec := outcome.Records[0]
	if rec.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if !rec.Amount.Equal(d("100.00")) || !rec.TotalCharged.Equal(d("103.30")) || !rec.TransactionFee.Equal(d("3.30")) {
		t.Fatalf("unexpected pricing: amount=%s total=%s fee=%s", rec.Amount, rec.TotalCharged, rec.TransactionFee)
	}
	if rec.GCClaimCode == nil || *rec.GCClaimCode == "" {
		t.Fatal("expected claim code on completed gift card")
	}
	if rec.Provider == nil || *rec.Provider != "giftcard" {
		t.Fatalf("expected provider giftcard, got %v", rec.Provider)
	}
	if keys := issuer.keys(); len(keys) != 1 || keys[0] != issuer.IdempotencyKey(rec.ID) {
		t.Fatalf("expected one call keyed by the record ID, got %v", keys)
	}

	receipts := fx.notifier.byTemplate(domain.TemplateSettlementReceipt)
	if len(receipts) != 1 || receipts[0].To != "organizer@example.com" {
		t.Fatalf("expected one receipt to the organizer, got %+v", receipts)
	}
	if _, leaked := receipts[0].Data["gc_claim_code"]; leaked {
		t.Fatal("receipt email must not carry the claim code")
	}
	if receipts[0].Data["receipt_url"] != "https://giftpool.example/receipts/"+rec.ID.String() {
		t.Fatalf("unexpected receipt url %v", receipts[0].Data["receipt_url"])
	}
}

func TestCreateSettlement_DeductedFeeReducesNet(t *testing.T) {
	fx := newServiceFixture("50.00", newFakeIssuer("giftcard"))

	outcome, err := fx.service.CreateSettlement(context.Background(), fx.organizer, fx.giftID, giftCardRequest("50.00", false))
	if err != nil {
		t.Fatalf("CreateSettlement returned error: %v", err)
	}
	rec := outcome.Records[0]
	if !rec.Amount.Equal(d("48.25")) || !rec.TotalCharged.Equal(d("50.00")) || !rec.TransactionFee.Equal(d("1.75")) {
		t.Fatalf("unexpected pricing: amount=%s total=%s fee=%s", rec.Amount, rec.TotalCharged, rec.TransactionFee)
	}
}

func TestCreateSettlement_FallsBackToNextProviderOnDefinitiveFailure(t *testing.T) {
	primary := newFakeIssuer("giftcard", failure("giftcard", rewards.CategoryInsufficientFunds))
	secondary := newFakeIssuer("rewardlink")
	fx := newServiceFixture("200.00", primary, secondary)

	outcome, err := fx.service.CreateSettlement(context.Background(), fx.organizer, fx.giftID, giftCardRequest("25.00", false))
	if err != nil {
		t.Fatalf("CreateSettlement returned error: %v", err)
	}
	rec := outcome.Records[0]
	if rec.Status != domain.StatusCompleted {
		t.Fatalf("expected completion through the second provider, got %s", rec.Status)
	}
	if rec.Provider == nil || *rec.Provider != "rewardlink" {
		t.Fatalf("expected provider rewardlink, got %v", rec.Provider)
	}
	if primary.callCount() != 1 || secondary.callCount() != 1 {
		t.Fatalf("expected one call per provider, got %d and %d", primary.callCount(), secondary.callCount())
	}
}

func TestIssueReward_AmbiguousFailureStaysPendingAndRetryReusesKey(t *testing.T) {
	primary := newFakeIssuer("giftcard", failure("giftcard", rewards.CategoryAmbiguous))
	secondary := newFakeIssuer("rewardlink")
	fx := newServiceFixture("200.00", primary, secondary)
	ctx := context.Background()

	outcome, err := fx.service.CreateSettlement(ctx, fx.organizer, fx.giftID, giftCardRequest("25.00", false))
	if err != nil {
		t.Fatalf("CreateSettlement returned error: %v", err)
	}
	if len(outcome.Failures) != 1 || outcome.Failures[0].Fallback != FallbackRetrySameKey {
		t.Fatalf("expected retry_same_key failure, got %+v", outcome.Failures)
	}
	rec := outcome.Records[0]
	if stored := fx.repo.record(rec.ID); stored.Status != domain.StatusPending {
		t.Fatalf("ambiguous failure must leave the record pending, got %s", stored.Status)
	}
	if secondary.callCount() != 0 {
		t.Fatal("an ambiguous failure must never fall through to another provider")
	}

	result, err := fx.service.IssueReward(ctx, rec.ID)
	if err != nil {
		t.Fatalf("IssueReward returned error: %v", err)
	}
	if !result.Completed() {
		t.Fatalf("expected retry to complete, got %+v", result)
	}
	keys := primary.keys()
	if len(keys) != 2 || keys[0] != keys[1] {
		t.Fatalf("expected the retry to reuse the first key, got %v", keys)
	}

	again, err := fx.service.IssueReward(ctx, rec.ID)
	if err != nil {
		t.Fatalf("IssueReward on a completed record returned error: %v", err)
	}
	if !again.Completed() || primary.callCount() != 2 {
		t.Fatalf("reissuing a completed record must not call the provider again")
	}
}

func TestIssueReward_ResumesAtRecordedProvider(t *testing.T) {
	primary := newFakeIssuer("giftcard", failure("giftcard", rewards.CategoryDeclined))
	secondary := newFakeIssuer("rewardlink", failure("rewardlink", rewards.CategoryAmbiguous))
	fx := newServiceFixture("200.00", primary, secondary)
	ctx := context.Background()

	outcome, err := fx.service.CreateSettlement(ctx, fx.organizer, fx.giftID, giftCardRequest("25.00", false))
	if err != nil {
		t.Fatalf("CreateSettlement returned error: %v", err)
	}
	rec := fx.repo.record(outcome.Records[0].ID)
	if rec.Status != domain.StatusPending || rec.Provider == nil || *rec.Provider != "rewardlink" {
		t.Fatalf("expected pending record owned by rewardlink, got status=%s provider=%v", rec.Status, rec.Provider)
	}

	result, err := fx.service.IssueReward(ctx, rec.ID)
	if err != nil {
		t.Fatalf("IssueReward returned error: %v", err)
	}
	if !result.Completed() {
		t.Fatalf("expected completion, got %+v", result)
	}
	if primary.callCount() != 1 {
		t.Fatalf("retry must resume at the recorded provider, primary was called %d times", primary.callCount())
	}
}

func TestCreateSettlement_BelowMinimumFailsAndSuggestsTip(t *testing.T) {
	issuer := newFakeIssuer("giftcard", failure("giftcard", rewards.CategoryBelowMinimum))
	fx := newServiceFixture("200.00", issuer, newFakeIssuer("rewardlink"))

	outcome, err := fx.service.CreateSettlement(context.Background(), fx.organizer, fx.giftID, giftCardRequest("0.75", true))
	if err != nil {
		t.Fatalf("CreateSettlement returned error: %v", err)
	}
	if len(outcome.Failures) != 1 || outcome.Failures[0].Fallback != FallbackSuggestTip {
		t.Fatalf("expected suggest_tip, got %+v", outcome.Failures)
	}
	if rec := fx.repo.record(outcome.Records[0].ID); rec.Status != domain.StatusFailed {
		t.Fatalf("expected failed record, got %s", rec.Status)
	}
}

func TestSupersedeWithStoreCredit_IsIdempotent(t *testing.T) {
	issuer := newFakeIssuer("giftcard", failure("giftcard", rewards.CategoryDeclined))
	fx := newServiceFixture("50.00", issuer)
	ctx := context.Background()

	outcome, err := fx.service.CreateSettlement(ctx, fx.organizer, fx.giftID, giftCardRequest("50.00", false))
	if err != nil {
		t.Fatalf("CreateSettlement returned error: %v", err)
	}
	if outcome.Failures[0].Fallback != FallbackSuggestStoreCredit {
		t.Fatalf("expected suggest_store_credit, got %s", outcome.Failures[0].Fallback)
	}
	failedID := outcome.Records[0].ID

	replacement, err := fx.service.SupersedeWithStoreCredit(ctx, fx.organizer, failedID)
	if err != nil {
		t.Fatalf("SupersedeWithStoreCredit returned error: %v", err)
	}
	if replacement.Status != domain.StatusCompleted || replacement.Disposition != domain.DispositionRefund {
		t.Fatalf("unexpected replacement %+v", replacement)
	}
	if replacement.SupersedesID == nil || *replacement.SupersedesID != failedID {
		t.Fatal("replacement must point at the failed record")
	}
	if !replacement.Amount.Equal(d("50.00")) {
		t.Fatalf("expected the gross 50.00 to be credited, got %s", replacement.Amount)
	}

	again, err := fx.service.SupersedeWithStoreCredit(ctx, fx.organizer, failedID)
	if err != nil {
		t.Fatalf("second SupersedeWithStoreCredit returned error: %v", err)
	}
	if again.ID != replacement.ID {
		t.Fatal("expected the existing replacement to be returned")
	}

	balance, err := fx.service.Ledger().Balance(ctx, fx.organizer)
	if err != nil {
		t.Fatalf("Balance returned error: %v", err)
	}
	if !balance.Equal(d("50.00")) {
		t.Fatalf("expected a single 50.00 credit, got %s", balance)
	}
}

func TestSupersedeWithStoreCredit_RejectsCompletedRecord(t *testing.T) {
	fx := newServiceFixture("50.00", newFakeIssuer("giftcard"))
	ctx := context.Background()

	outcome, err := fx.service.CreateSettlement(ctx, fx.organizer, fx.giftID, giftCardRequest("10.00", false))
	if err != nil {
		t.Fatalf("CreateSettlement returned error: %v", err)
	}
	if _, err := fx.service.SupersedeWithStoreCredit(ctx, fx.organizer, outcome.Records[0].ID); !errors.Is(err, ErrNotSupersedable) {
		t.Fatalf("expected ErrNotSupersedable, got %v", err)
	}
}

func TestSupersedeWithStoreCredit_RejectsGuestRefund(t *testing.T) {
	issuer := newFakeIssuer("rewardlink", failure("rewardlink", rewards.CategoryDeclined))
	fx := newServiceFixture("40.00", issuer)
	fx.repo.addContribution(fx.giftID, nil, "guest@example.com", "Guest", "40.00")
	ctx := context.Background()

	outcome, err := fx.service.CreateSettlement(ctx, fx.organizer, fx.giftID, domain.SettlementRequest{
		Disposition:  domain.DispositionRefund,
		Amount:       d("40.00"),
		RefundMethod: domain.RefundMethodCash,
	})
	if err != nil {
		t.Fatalf("CreateSettlement returned error: %v", err)
	}
	if len(outcome.Records) != 1 || outcome.Records[0].Status != domain.StatusFailed {
		t.Fatalf("expected one failed refund, got %+v", outcome.Records)
	}
	if len(outcome.Failures) != 1 || outcome.Failures[0].Fallback != FallbackManualReview {
		t.Fatalf("expected manual_review for a guest refund, got %+v", outcome.Failures)
	}

	if _, err := fx.service.SupersedeWithStoreCredit(ctx, fx.organizer, outcome.Records[0].ID); !errors.Is(err, ErrNotSupersedable) {
		t.Fatalf("expected ErrNotSupersedable, got %v", err)
	}

	balance, err := fx.service.Ledger().Balance(ctx, fx.organizer)
	if err != nil {
		t.Fatalf("Balance returned error: %v", err)
	}
	if !balance.IsZero() {
		t.Fatalf("organizer must not receive a guest's refund, got %s", balance)
	}
}

func TestCreateSettlement_RefundSplitsProportionally(t *testing.T) {
	fx := newServiceFixture("93.80", newFakeIssuer("rewardlink"))
	alice := fx.repo.addUser("alice@example.com", "Alice")
	bob := fx.repo.addUser("bob@example.com", "Bob")
	fx.repo.addContribution(fx.giftID, &alice, "alice@example.com", "Alice", "60.00")
	fx.repo.addContribution(fx.giftID, &bob, "bob@example.com", "Bob", "40.00")

	outcome, err := fx.service.CreateSettlement(context.Background(), fx.organizer, fx.giftID, domain.SettlementRequest{
		Disposition: domain.DispositionRefund,
		Amount:      d("93.80"),
	})
	if err != nil {
		t.Fatalf("CreateSettlement returned error: %v", err)
	}
	if len(outcome.Records) != 2 {
		t.Fatalf("expected two refund records, got %d", len(outcome.Records))
	}
	want := map[string]string{"alice@example.com": "56.28", "bob@example.com": "37.52"}
	for _, rec := range outcome.Records {
		if rec.Status != domain.StatusCompleted {
			t.Fatalf("expected completed refund, got %s", rec.Status)
		}
		if rec.RefundMethod == nil || *rec.RefundMethod != domain.RefundMethodCash {
			t.Fatalf("expected cash refund, got %v", rec.RefundMethod)
		}
		if !rec.Amount.Equal(d(want[*rec.RecipientEmail])) {
			t.Fatalf("unexpected share for %s: %s", *rec.RecipientEmail, rec.Amount)
		}
	}

	receipts := fx.notifier.byTemplate(domain.TemplateSettlementReceipt)
	if len(receipts) != 2 {
		t.Fatalf("expected a receipt per contributor, got %d", len(receipts))
	}
}

func TestCreateSettlement_CreditRefundFallsBackToCashForGuests(t *testing.T) {
	issuer := newFakeIssuer("rewardlink")
	fx := newServiceFixture("93.80", issuer)
	alice := fx.repo.addUser("alice@example.com", "Alice")
	fx.repo.addContribution(fx.giftID, &alice, "alice@example.com", "Alice", "60.00")
	fx.repo.addContribution(fx.giftID, nil, "guest@example.com", "Guest", "40.00")
	ctx := context.Background()

	outcome, err := fx.service.CreateSettlement(ctx, fx.organizer, fx.giftID, domain.SettlementRequest{
		Disposition:  domain.DispositionRefund,
		Amount:       d("93.80"),
		RefundMethod: domain.RefundMethodCredit,
	})
	if err != nil {
		t.Fatalf("CreateSettlement returned error: %v", err)
	}

	methods := map[domain.RefundMethod]int{}
	for _, rec := range outcome.Records {
		methods[*rec.RefundMethod]++
		if rec.Status != domain.StatusCompleted {
			t.Fatalf("expected completed refund, got %s", rec.Status)
		}
	}
	if methods[domain.RefundMethodCredit] != 1 || methods[domain.RefundMethodCash] != 1 {
		t.Fatalf("expected one credit and one cash refund, got %v", methods)
	}
	if issuer.callCount() != 1 {
		t.Fatalf("expected only the guest to go through the provider, got %d calls", issuer.callCount())
	}

	balance, err := fx.service.Ledger().Balance(ctx, alice)
	if err != nil {
		t.Fatalf("Balance returned error: %v", err)
	}
	if !balance.Equal(d("56.28")) {
		t.Fatalf("expected alice to hold 56.28 credit, got %s", balance)
	}
}

func TestCreateSettlement_TipCompletesImmediately(t *testing.T) {
	fx := newServiceFixture("20.00")

	outcome, err := fx.service.CreateSettlement(context.Background(), fx.organizer, fx.giftID, domain.SettlementRequest{
		Disposition: domain.DispositionTip,
		Amount:      d("5.00"),
		FeeCovered:  true,
	})
	if err != nil {
		t.Fatalf("CreateSettlement returned error: %v", err)
	}
	rec := outcome.Records[0]
	if rec.Status != domain.StatusCompleted || !rec.TransactionFee.IsZero() || rec.CompletedAt == nil {
		t.Fatalf("unexpected tip record %+v", rec)
	}
	if !rec.Amount.Equal(d("5.00")) || !rec.TotalCharged.Equal(d("5.00")) {
		t.Fatalf("tips must not be grossed up for fees, got amount %s total %s", rec.Amount, rec.TotalCharged)
	}
}

func TestCreateSettlement_CharityIsPooled(t *testing.T) {
	fx := newServiceFixture("100.00")

	outcome, err := fx.service.CreateSettlement(context.Background(), fx.organizer, fx.giftID, domain.SettlementRequest{
		Disposition: domain.DispositionCharity,
		Amount:      d("40.00"),
		FeeCovered:  true,
		CharityID:   "feeding-america",
	})
	if err != nil {
		t.Fatalf("CreateSettlement returned error: %v", err)
	}
	rec := outcome.Records[0]
	if rec.Status != domain.StatusPendingPool || rec.CharityName == nil || *rec.CharityName != "Feeding America" {
		t.Fatalf("unexpected charity record %+v", rec)
	}
	if rec.BatchID != nil {
		t.Fatal("batch ID must stay unset until the pool is flushed")
	}

	receipt, err := fx.service.GetReceipt(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetReceipt returned error: %v", err)
	}
	if receipt.CharityEIN == nil || *receipt.CharityEIN != "36-3673599" {
		t.Fatalf("expected EIN from the charity table, got %v", receipt.CharityEIN)
	}
	if receipt.GiftName != "Farewell gift for Sam" {
		t.Fatalf("unexpected gift name %q", receipt.GiftName)
	}
}

func TestCreateSettlement_Validation(t *testing.T) {
	fx := newServiceFixture("100.00", newFakeIssuer("giftcard"))
	stranger := fx.repo.addUser("stranger@example.com", "Stranger")
	ctx := context.Background()

	tests := []struct {
		name  string
		actor uuid.UUID
		req   domain.SettlementRequest
		want  error
	}{
		{"unknown disposition", fx.organizer, domain.SettlementRequest{Disposition: "cash", Amount: d("1.00")}, ErrInvalidDisposition},
		{"zero amount", fx.organizer, domain.SettlementRequest{Disposition: domain.DispositionTip, Amount: d("0")}, ErrInvalidAmount},
		{"fractional cents", fx.organizer, domain.SettlementRequest{Disposition: domain.DispositionTip, Amount: d("1.005")}, ErrInvalidAmount},
		{"not organizer", stranger, domain.SettlementRequest{Disposition: domain.DispositionTip, Amount: d("1.00")}, ErrForbidden},
		{"unknown charity", fx.organizer, domain.SettlementRequest{Disposition: domain.DispositionCharity, Amount: d("10.00"), CharityID: "nope"}, ErrUnknownCharity},
		{"missing recipient", fx.organizer, domain.SettlementRequest{Disposition: domain.DispositionGiftCard, Amount: d("10.00")}, ErrMissingRecipient},
		{"fee consumes amount", fx.organizer, domain.SettlementRequest{Disposition: domain.DispositionCharity, Amount: d("0.25"), CharityID: "st-jude"}, ErrInvalidAmount},
		{"refund without contributions", fx.organizer, domain.SettlementRequest{Disposition: domain.DispositionRefund, Amount: d("10.00")}, ErrNoContributions},
		{"exceeds pool", fx.organizer, domain.SettlementRequest{Disposition: domain.DispositionTip, Amount: d("100.01")}, store.ErrPoolExceeded},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.service.CreateSettlement(ctx, tc.actor, fx.giftID, tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPreviewRefund_GroupsRepeatContributors(t *testing.T) {
	fx := newServiceFixture("100.00")
	alice := fx.repo.addUser("alice@example.com", "Alice")
	fx.repo.addContribution(fx.giftID, &alice, "alice@example.com", "Alice", "10.00")
	fx.repo.addContribution(fx.giftID, nil, "Guest@Example.com", "Guest", "30.00")
	fx.repo.addContribution(fx.giftID, &alice, "alice@example.com", "Alice", "20.00")
	fx.repo.addContribution(fx.giftID, nil, "guest@example.com", "Guest", "40.00")

	shares, err := fx.service.PreviewRefund(context.Background(), fx.organizer, fx.giftID, d("10.00"))
	if err != nil {
		t.Fatalf("PreviewRefund returned error: %v", err)
	}
	if len(shares) != 2 {
		t.Fatalf("expected one share per contributor, got %d", len(shares))
	}
	if !shares[0].OriginalAmount.Equal(d("30.00")) || !shares[0].EstimatedShare.Equal(d("3.00")) {
		t.Fatalf("unexpected first share %+v", shares[0])
	}
	if !shares[1].OriginalAmount.Equal(d("70.00")) || !shares[1].EstimatedShare.Equal(d("7.00")) {
		t.Fatalf("unexpected second share %+v", shares[1])
	}

	// Previews never persist anything.
	if recs := fx.repo.recordsForGift(fx.giftID); len(recs) != 0 {
		t.Fatalf("expected no records, got %d", len(recs))
	}
}

func TestQuoteFees(t *testing.T) {
	fx := newServiceFixture("0")

	quote, err := fx.service.QuoteFees(d("100.00"), true)
	if err != nil {
		t.Fatalf("QuoteFees returned error: %v", err)
	}
	if !quote.TotalCharged.Equal(d("103.30")) || !quote.Fee.Equal(d("3.30")) {
		t.Fatalf("unexpected quote %+v", quote)
	}
	if _, err := fx.service.QuoteFees(d("-1"), false); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}
