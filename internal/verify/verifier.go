// Package verify implements the count-based gates between pipeline stages.
package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nosey/viewership-pipeline/internal/model"
	"github.com/nosey/viewership-pipeline/internal/warehouse"
)

// ReasonMissingDestination is reported when a check names no table.
const ReasonMissingDestination = "missing destination"

// Check describes one gate: how many rows of a batch must sit at Phase in
// Table. UnmatchedTable is only set for the terminal check against the
// final table.
type Check struct {
	Platform       string
	Table          string
	Phase          model.Phase
	Expected       int64
	Filename       string
	Type           model.UploadType
	UnmatchedTable string
}

// Verifier runs gate checks against the warehouse.
type Verifier struct {
	store warehouse.Store
}

// New creates a Verifier.
func New(store warehouse.Store) *Verifier {
	return &Verifier{store: store}
}

// IsFinal reports whether table is the episode-details reporting table.
// Only the final table carries the label split.
func IsFinal(table string) bool {
	return model.IsFinalTable(table)
}

// phasePredicate returns the phase clause and its bound arguments.
func phasePredicate(p model.Phase) (string, []any) {
	if p.IsNone() {
		return "(phase IS NULL OR phase = '')", nil
	}
	return "phase = ?", []any{string(p)}
}

func countQuery(table string, p model.Phase, labelled bool) string {
	pred, _ := phasePredicate(p)
	q := "SELECT COUNT(*) FROM " + table +
		" WHERE platform = ? AND filename = ? AND processed IS NULL AND " + pred
	if labelled {
		q += " AND label = ?"
	}
	return q
}

func countArgs(c Check, label model.Label) []any {
	args := []any{c.Platform, c.Filename}
	_, phaseArgs := phasePredicate(c.Phase)
	args = append(args, phaseArgs...)
	if label != "" {
		args = append(args, string(label))
	}
	return args
}

// Verify runs the gate. Verification failure, including a failed query, is
// reported in the result and never as an error.
func (v *Verifier) Verify(ctx context.Context, c Check) model.Verification {
	log := zap.L().With(
		zap.String("platform", c.Platform),
		zap.String("filename", c.Filename),
		zap.String("table", c.Table),
		zap.Stringer("phase", c.Phase),
		zap.Int64("expected", c.Expected),
	)

	if strings.TrimSpace(c.Table) == "" {
		log.Warn("verify: missing destination")
		return model.Verification{Reason: ReasonMissingDestination}
	}
	if err := warehouse.ValidateIdent(c.Table); err != nil {
		return unverified(log, err)
	}

	var result model.Verification
	if IsFinal(c.Table) {
		result = v.verifyFinal(ctx, c)
	} else {
		result = v.verifyIntermediate(ctx, c)
	}

	if result.Verified {
		log.Info("verify: phase verified")
	} else {
		log.Warn("verify: phase not verified", zap.String("reason", result.Reason))
	}
	return result
}

func (v *Verifier) verifyIntermediate(ctx context.Context, c Check) model.Verification {
	actual, err := v.store.Count(ctx, countQuery(c.Table, c.Phase, false), countArgs(c, "")...)
	if err != nil {
		return model.Verification{Reason: fmt.Sprintf("count failed: %v", err)}
	}
	if actual == c.Expected {
		return model.Verification{Verified: true}
	}
	return model.Verification{
		Reason: fmt.Sprintf("record count mismatch: expected %d, actual %d", c.Expected, actual),
	}
}

func (v *Verifier) verifyFinal(ctx context.Context, c Check) model.Verification {
	labels := c.Type.Labels()
	if len(labels) == 0 {
		return model.Verification{
			Reason: fmt.Sprintf("type %q enables neither viewership nor revenue", c.Type),
		}
	}

	withUnmatched := c.Phase == model.PhaseMatched && c.UnmatchedTable != ""
	if withUnmatched {
		if err := warehouse.ValidateIdent(c.UnmatchedTable); err != nil {
			return model.Verification{Reason: err.Error()}
		}
	}

	counts := make([]int64, len(labels))
	var unmatched int64

	g, gctx := errgroup.WithContext(ctx)
	for i, label := range labels {
		g.Go(func() error {
			n, err := v.store.Count(gctx, countQuery(c.Table, c.Phase, true), countArgs(c, label)...)
			if err != nil {
				return eris.Wrapf(err, "%s count failed", strings.ToLower(string(label)))
			}
			counts[i] = n
			return nil
		})
	}
	if withUnmatched {
		g.Go(func() error {
			n, err := v.store.Count(gctx,
				"SELECT COUNT(*) FROM "+c.UnmatchedTable+" WHERE filename = ?", c.Filename)
			if err != nil {
				return eris.Wrap(err, "unmatched count failed")
			}
			unmatched = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.Verification{Reason: err.Error()}
	}

	var mismatches []string
	for i, label := range labels {
		actual := counts[i] + unmatched
		if actual == c.Expected {
			return model.Verification{Verified: true}
		}
		mismatches = append(mismatches, fmt.Sprintf("%s expected %d, actual %d",
			strings.ToLower(string(label)), c.Expected, actual))
	}
	return model.Verification{Reason: "record count mismatch: " + strings.Join(mismatches, "; ")}
}

func unverified(log *zap.Logger, err error) model.Verification {
	log.Warn("verify: check rejected", zap.Error(err))
	return model.Verification{Reason: err.Error()}
}
