// Package sandboxreward provides a BoltDB-backed reward issuer for development
// and staging environments. It never moves money. Issued rewards are persisted
// by idempotency key, so a resent request returns the stored reward instead of
// minting a new one, matching the behaviour of the live providers.
package sandboxreward

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/google/uuid"

	"github.com/groupgift/settlement-service/pkg/rewards"
)

// ProviderName identifies this provider on settlement records.
const ProviderName = "sandbox"

const bucketName = "issued_rewards"

type storedReward struct {
	Issued         rewards.Issued `json:"issued"`
	Amount         string         `json:"amount"`
	Currency       string         `json:"currency"`
	RecipientEmail string         `json:"recipient_email"`
	IssuedAt       time.Time      `json:"issued_at"`
}

// Issuer issues fake rewards and records them in a BoltDB file.
type Issuer struct {
	db     *bolt.DB
	limits rewards.Limits
}

// Open opens (or creates) the sandbox database at path.
func Open(path string, limits rewards.Limits) (*Issuer, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Issuer{db: db, limits: limits}, nil
}

// Close releases the database file lock.
func (i *Issuer) Close() error {
	return i.db.Close()
}

func (i *Issuer) Name() string {
	return ProviderName
}

func (i *Issuer) IdempotencyKey(settlementID uuid.UUID) string {
	return rewards.IdempotencyKey("sbx-", settlementID, 0)
}

// Issue returns the reward stored under req.IdempotencyKey, creating it first
// if this is the first request with that key.
func (i *Issuer) Issue(ctx context.Context, req rewards.Request) (*rewards.Issued, error) {
	if err := i.limits.Check(ProviderName, req.Amount); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, &rewards.Failure{Provider: ProviderName, Category: rewards.CategoryDeclined, Reason: "idempotency key is required"}
	}
	if err := ctx.Err(); err != nil {
		return nil, rewards.Ambiguous(ProviderName, err)
	}

	var issued rewards.Issued
	err := i.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		key := []byte(req.IdempotencyKey)

		if existing := b.Get(key); existing != nil {
			var stored storedReward
			if err := json.Unmarshal(existing, &stored); err != nil {
				return err
			}
			issued = stored.Issued
			return nil
		}

		sum := sha256.Sum256(key)
		code := strings.ToUpper(hex.EncodeToString(sum[:6]))
		issued = rewards.Issued{
			Provider:          ProviderName,
			ClaimArtifact:     "SBX-" + code[:4] + "-" + code[4:8] + "-" + code[8:],
			ProviderRequestID: uuid.NewString(),
		}
		data, err := json.Marshal(storedReward{
			Issued:         issued,
			Amount:         req.Amount.StringFixed(2),
			Currency:       req.Currency,
			RecipientEmail: req.RecipientEmail,
			IssuedAt:       time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, rewards.Ambiguous(ProviderName, err)
	}
	return &issued, nil
}

// Count returns how many distinct rewards have been issued.
func (i *Issuer) Count() (int, error) {
	var n int
	err := i.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketName)).Stats().KeyN
		return nil
	})
	return n, err
}
