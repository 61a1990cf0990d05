// Package reconcile sweeps the ledger for conservation violations: the
// sum of all balances and holds must equal the issued total at all times.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tallyd/internal/account"
	"tallyd/internal/metrics"
	"tallyd/internal/store"
	"tallyd/internal/transfer"
)

// Result holds the outcome of one conservation check.
type Result struct {
	Balanced bool            `json:"balanced"`
	Issued   decimal.Decimal `json:"issued"`
	Total    decimal.Decimal `json:"total"`
	Drift    decimal.Decimal `json:"drift"`
	Accounts int             `json:"accounts"`
	// Negatives lists balance or held record paths below zero.
	Negatives []string `json:"negative_records,omitempty"`
	// HoldMismatches lists accounts whose held funds disagree with the
	// prepared transfers naming them as a source.
	HoldMismatches []HoldMismatch `json:"hold_mismatches,omitempty"`
	CheckedAt      time.Time      `json:"checked_at"`
}

// HoldMismatch pairs an account's held record with what prepared
// transfers say it should be.
type HoldMismatch struct {
	Account  string          `json:"account"`
	Held     decimal.Decimal `json:"held"`
	Prepared decimal.Decimal `json:"prepared"`
}

// Service performs conservation checks over the store.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a reconciliation service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// Check sums every balance and held record against the issued total and
// cross-checks holds against prepared transfers. The whole sweep runs in
// one read-only transaction so it sees a consistent cut of the ledger.
func (s *Service) Check(ctx context.Context) (*Result, error) {
	started := time.Now()
	var result *Result

	err := store.RunInTransaction(ctx, s.store, func(tx store.Tx) error {
		r := &Result{CheckedAt: time.Now().UTC()}

		issued := decimal.Zero
		if err := tx.Get(account.IssuedPath(), &issued); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		r.Issued = issued

		held := make(map[string]decimal.Decimal)
		total := decimal.Zero

		people, err := tx.List(store.Path{"people"})
		if err != nil {
			return err
		}
		for _, rec := range people {
			switch {
			case len(rec.Path) == 2:
				r.Accounts++
			case len(rec.Path) == 3 && (rec.Path[2] == "balance" || rec.Path[2] == "held"):
				var amount decimal.Decimal
				if err := json.Unmarshal(rec.Value, &amount); err != nil {
					return fmt.Errorf("decode %s: %w", rec.Path, err)
				}
				total = total.Add(amount)
				if amount.IsNegative() {
					r.Negatives = append(r.Negatives, rec.Path.String())
				}
				if rec.Path[2] == "held" {
					held[rec.Path[1]] = amount
				}
			}
		}
		r.Total = total
		r.Drift = issued.Sub(total)

		prepared, err := sumPreparedSources(tx)
		if err != nil {
			return err
		}
		r.HoldMismatches = diffHolds(held, prepared)

		sort.Strings(r.Negatives)
		r.Balanced = r.Drift.IsZero() && len(r.Negatives) == 0 && len(r.HoldMismatches) == 0
		result = r
		return nil
	})
	if err != nil {
		sweepErrors.Inc()
		return nil, err
	}

	metrics.ConservationDrift.Set(result.Drift.InexactFloat64())
	sweepNegativeRecords.Set(float64(len(result.Negatives)))
	sweepHoldMismatches.Set(float64(len(result.HoldMismatches)))
	sweepDuration.Observe(time.Since(started).Seconds())

	if !result.Balanced {
		s.logger.Error("conservation violated",
			"drift", result.Drift,
			"issued", result.Issued,
			"total", result.Total,
			"negativeRecords", len(result.Negatives),
			"holdMismatches", len(result.HoldMismatches))
	}
	return result, nil
}

// sumPreparedSources totals source amounts of prepared transfers per
// account. Held records must match these exactly.
func sumPreparedSources(tx store.Tx) (map[string]decimal.Decimal, error) {
	records, err := tx.List(store.Path{"transfers"})
	if err != nil {
		return nil, err
	}
	sums := make(map[string]decimal.Decimal)
	for _, rec := range records {
		if len(rec.Path) != 2 {
			continue
		}
		var t transfer.Transfer
		if err := json.Unmarshal(rec.Value, &t); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rec.Path, err)
		}
		if t.State != transfer.StatePrepared {
			continue
		}
		for _, fund := range t.SourceFunds {
			sums[fund.Account] = sums[fund.Account].Add(fund.Amount)
		}
	}
	return sums, nil
}

// diffHolds reports every account whose held record disagrees with the
// prepared sum, in account order.
func diffHolds(held, prepared map[string]decimal.Decimal) []HoldMismatch {
	names := make(map[string]struct{}, len(held)+len(prepared))
	for name := range held {
		names[name] = struct{}{}
	}
	for name := range prepared {
		names[name] = struct{}{}
	}

	var out []HoldMismatch
	for name := range names {
		h := held[name]
		p := prepared[name]
		if !h.Equal(p) {
			out = append(out, HoldMismatch{Account: name, Held: h, Prepared: p})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}
