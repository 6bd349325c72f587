package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/jra3/fspolicy/internal/types"
)

// replaceStripeTx atomically replaces the stripe rows of one entry:
// delete-old plus insert-new inside the caller's transaction.
func replaceStripeTx(ctx context.Context, tx *sql.Tx, pk, validator int64,
	info *types.StripeInfo, items []types.StripeItem) error {

	if info == nil {
		return fmt.Errorf("replace stripe %d: %w: nil stripe info", pk, types.ErrInvalidInput)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM STRIPE_ITEMS WHERE id = ?", pk); err != nil {
		return fmt.Errorf("delete stripe items %d: %w", pk, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM STRIPE_INFO WHERE id = ?", pk); err != nil {
		return fmt.Errorf("delete stripe info %d: %w", pk, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO STRIPE_INFO (id, validator, stripe_count, stripe_size, pool_name) VALUES (?, ?, ?, ?, ?)",
		pk, validator, info.StripeCount, info.StripeSize, info.PoolName); err != nil {
		return fmt.Errorf("insert stripe info %d: %w", pk, err)
	}

	if len(items) == 0 {
		return nil
	}
	if uint32(len(items)) > info.StripeCount {
		// Tolerated, but worth a trace: geometry and item list disagree.
		log.Printf("[catalog] entry %d has %d stripe items for stripe_count=%d",
			pk, len(items), info.StripeCount)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO STRIPE_ITEMS (id, stripe_index, ostidx, details) VALUES ")
	args := make([]any, 0, len(items)*4)
	for i, item := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?)")
		args = append(args, pk, i, item.OstIdx, item.Details)
	}
	if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert stripe items %d: %w", pk, err)
	}
	return nil
}

// StripeEntry couples an id with the stripe attributes to store for it.
type StripeEntry struct {
	ID    types.EntryID
	Info  types.StripeInfo
	Items []types.StripeItem
}

// BatchInsertStripe bulk-writes stripe geometry for many entries in one
// transaction. STRIPE_INFO rows use insert-or-update semantics; prior
// STRIPE_ITEMS rows of each entry are deleted before the batch insert.
func (s *Store) BatchInsertStripe(ctx context.Context, entries []StripeEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var b strings.Builder
		b.WriteString("INSERT INTO STRIPE_INFO (id, validator, stripe_count, stripe_size, pool_name) VALUES ")
		args := make([]any, 0, len(entries)*5)
		for i, e := range entries {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(?, ?, ?, ?, ?)")
			args = append(args, e.ID.PrimaryKey(), e.ID.Validator,
				e.Info.StripeCount, e.Info.StripeSize, e.Info.PoolName)
		}
		b.WriteString(` ON CONFLICT(id) DO UPDATE SET
			validator    = excluded.validator,
			stripe_count = excluded.stripe_count,
			stripe_size  = excluded.stripe_size,
			pool_name    = excluded.pool_name`)
		if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("batch insert stripe info: %w", err)
		}

		for _, e := range entries {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM STRIPE_ITEMS WHERE id = ?", e.ID.PrimaryKey()); err != nil {
				return fmt.Errorf("delete stripe items %s: %w", e.ID, err)
			}
		}

		b.Reset()
		args = args[:0]
		n := 0
		b.WriteString("INSERT INTO STRIPE_ITEMS (id, stripe_index, ostidx, details) VALUES ")
		for _, e := range entries {
			for idx, item := range e.Items {
				if n > 0 {
					b.WriteString(", ")
				}
				b.WriteString("(?, ?, ?, ?)")
				args = append(args, e.ID.PrimaryKey(), idx, item.OstIdx, item.Details)
				n++
			}
		}
		if n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("batch insert stripe items: %w", err)
		}
		return nil
	})
}

// CheckStripeConsistency scans for STRIPE_ITEMS rows whose index is not
// covered by the recorded stripe_count. Violations are logged and
// returned, never fatal.
func (s *Store) CheckStripeConsistency(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT si.id, MAX(it.stripe_index), si.stripe_count
		FROM STRIPE_ITEMS it
		JOIN STRIPE_INFO si ON si.id = it.id
		GROUP BY si.id
		HAVING MAX(it.stripe_index) >= si.stripe_count`)
	if err != nil {
		return 0, fmt.Errorf("check stripe consistency: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var pk, maxIdx, stripeCount int64
		if err := rows.Scan(&pk, &maxIdx, &stripeCount); err != nil {
			return count, err
		}
		log.Printf("[catalog] entry %d: stripe index %d exceeds stripe_count %d",
			pk, maxIdx, stripeCount)
		count++
	}
	return count, rows.Err()
}
