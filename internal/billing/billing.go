// Package billing implements the Billing Ledger (C2): transactional credit
// charging in delta and target modes, each reserving an idempotency-keyed
// ledger row in the same transaction as the balance mutation it records.
package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/anycrawl/anycrawl/internal/db"
	"github.com/anycrawl/anycrawl/internal/model"
)

// ErrDuplicateTarget is returned by ChargeToUsed when its idempotency key
// (caller-supplied or synthesized) already holds a ledger row while there
// is still a positive charge to make: target-mode callers must supply a
// unique key per distinct target.
var ErrDuplicateTarget = errors.New("billing: duplicate idempotency key for target charge")

const maxCASRetries = 5

// Ledger charges credits against a job/api-key pair inside database
// transactions.
type Ledger struct {
	DB *sql.DB
}

func New(database *sql.DB) *Ledger {
	return &Ledger{DB: database}
}

// ChargeResult is returned by both charging primitives.
type ChargeResult struct {
	Charged          float64
	RemainingCredits float64
	Deduped          bool
}

// ChargeDelta adds delta to job.credits_used and subtracts delta from
// api_key.credits, inside one transaction. A re-used idempotencyKey dedups
// to a zero-charge no-op.
func (l *Ledger) ChargeDelta(ctx context.Context, jobID, apiKeyID uuid.UUID, delta float64, reason string, idempotencyKey string, details model.ChargeDetails) (ChargeResult, error) {
	if delta <= 0 {
		return ChargeResult{}, fmt.Errorf("billing: chargeDelta requires delta > 0, got %v", delta)
	}

	var result ChargeResult
	err := withTx(ctx, l.DB, func(ctx context.Context, tx *sql.Tx) error {
		q := db.New(tx)

		job, err := q.GetJobByIDForUpdate(ctx, jobID)
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		before := job.CreditsUsed
		after := before + delta

		key := idempotencyKey
		if key == "" {
			key = fmt.Sprintf("billing:delta:%s:%v->%v:%s", jobID, before, after, reason)
		}

		if err := q.IncrementCreditsUsed(ctx, jobID, delta); err != nil {
			return fmt.Errorf("increment credits_used: %w", err)
		}

		apiKey, err := q.GetAPIKeyByIDForUpdate(ctx, apiKeyID)
		if err != nil {
			return fmt.Errorf("load api key: %w", err)
		}
		remaining, err := q.DecrementAPIKeyCredits(ctx, apiKeyID, delta)
		if err != nil {
			return fmt.Errorf("decrement api key credits: %w", err)
		}

		normalized := normalizeDetails(details, delta, reason)
		detailsJSON, err := json.Marshal(normalized)
		if err != nil {
			return err
		}

		ok, err := q.InsertLedgerEntryIfAbsent(ctx, db.InsertLedgerEntryParams{
			ID:             uuid.New(),
			IdempotencyKey: key,
			JobID:          jobID,
			ApiKeyID:       apiKeyID,
			Mode:           string(model.ChargeModeDelta),
			Reason:         reason,
			Charged:        delta,
			BeforeUsed:     before,
			AfterUsed:      after,
			BeforeCredits:  sql.NullFloat64{Float64: apiKey.Credits, Valid: true},
			AfterCredits:   sql.NullFloat64{Float64: remaining, Valid: true},
			Details:        detailsJSON,
		})
		if err != nil {
			return fmt.Errorf("reserve ledger row: %w", err)
		}
		if !ok {
			// Another writer already holds this idempotency key: treat this
			// attempt as a dedup and roll back our speculative mutations by
			// returning an error that the caller recognizes as "already
			// charged" rather than propagating the increments we just made.
			return errDedup
		}

		result = ChargeResult{Charged: delta, RemainingCredits: remaining}
		return nil
	})

	if errors.Is(err, errDedup) {
		return ChargeResult{Charged: 0, Deduped: true}, nil
	}
	return result, err
}

// ChargeToUsed raises job.credits_used monotonically to targetUsed,
// charging targetUsed-current, guarded by an optimistic CAS retry loop.
func (l *Ledger) ChargeToUsed(ctx context.Context, jobID, apiKeyID uuid.UUID, targetUsed float64, reason string, idempotencyKey string, details model.ChargeDetails) (ChargeResult, error) {
	if targetUsed < 0 {
		return ChargeResult{}, fmt.Errorf("billing: chargeToUsed requires targetUsed >= 0, got %v", targetUsed)
	}

	var result ChargeResult
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		var casConflict bool
		err := withTx(ctx, l.DB, func(ctx context.Context, tx *sql.Tx) error {
			q := db.New(tx)

			job, err := q.GetJobByID(ctx, jobID)
			if err != nil {
				return fmt.Errorf("load job: %w", err)
			}
			currentUsed := job.CreditsUsed
			charge := targetUsed - currentUsed

			key := idempotencyKey
			if key == "" {
				key = fmt.Sprintf("billing:target:%s:%v:%s", jobID, targetUsed, reason)
			}

			if charge <= 0 {
				// No-op charge: the idempotency key is not reserved and no
				// ledger row is written; the call reports a zero charge.
				result = ChargeResult{Charged: 0}
				return nil
			}

			n, err := q.CASUpdateCreditsUsed(ctx, jobID, currentUsed, targetUsed)
			if err != nil {
				return fmt.Errorf("cas update credits_used: %w", err)
			}
			if n == 0 {
				casConflict = true
				return errCASConflict
			}

			apiKey, err := q.GetAPIKeyByIDForUpdate(ctx, apiKeyID)
			if err != nil {
				return fmt.Errorf("load api key: %w", err)
			}
			remaining, err := q.DecrementAPIKeyCredits(ctx, apiKeyID, charge)
			if err != nil {
				return fmt.Errorf("decrement api key credits: %w", err)
			}

			normalized := normalizeDetails(details, charge, reason)
			detailsJSON, err := json.Marshal(normalized)
			if err != nil {
				return err
			}

			ok, err := q.InsertLedgerEntryIfAbsent(ctx, db.InsertLedgerEntryParams{
				ID:             uuid.New(),
				IdempotencyKey: key,
				JobID:          jobID,
				ApiKeyID:       apiKeyID,
				Mode:           string(model.ChargeModeTarget),
				Reason:         reason,
				Charged:        charge,
				BeforeUsed:     currentUsed,
				AfterUsed:      targetUsed,
				BeforeCredits:  sql.NullFloat64{Float64: apiKey.Credits, Valid: true},
				AfterCredits:   sql.NullFloat64{Float64: remaining, Valid: true},
				Details:        detailsJSON,
			})
			if err != nil {
				return fmt.Errorf("reserve ledger row: %w", err)
			}
			if !ok {
				return ErrDuplicateTarget
			}

			result = ChargeResult{Charged: charge, RemainingCredits: remaining}
			return nil
		})

		if err == nil {
			return result, nil
		}
		if errors.Is(err, errCASConflict) {
			continue
		}
		return ChargeResult{}, err
	}

	return ChargeResult{}, fmt.Errorf("billing: chargeToUsed exceeded %d CAS retries for job %s", maxCASRetries, jobID)
}

var errCASConflict = errors.New("billing: cas conflict")
var errDedup = errors.New("billing: idempotency dedup")

// normalizeDetails drops non-positive items and falls back to a single
// unattributed_adjustment item when the remainder doesn't sum to the
// committed charge within epsilon.
func normalizeDetails(details model.ChargeDetails, committed float64, reason string) model.ChargeDetails {
	const epsilon = 1e-9

	var kept []model.ChargeItem
	var sum float64
	for _, item := range details.Items {
		if item.Credits <= 0 {
			continue
		}
		kept = append(kept, item)
		sum += item.Credits
	}

	if math.Abs(sum-committed) > epsilon {
		kept = []model.ChargeItem{{
			Code:    "unattributed_adjustment",
			Credits: committed,
			Meta: map[string]any{
				"reason":       reason,
				"source_total": sum,
			},
		}}
	}

	out := details
	out.Items = kept
	out.Total = committed
	if out.Version == 0 {
		out.Version = 1
	}
	return out
}

func withTx(ctx context.Context, database *sql.DB, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
