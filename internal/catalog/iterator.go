package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jra3/fspolicy/internal/types"
)

// Iterator is a lazy cursor over entry ids selected by a filter and an
// optional sort. Attributes are fetched per entry on demand; entries
// deleted between selection and fetch are skipped.
type Iterator struct {
	s    *Store
	rows *sql.Rows
}

// Iterator opens a cursor over the ids matching filter, ordered by sort.
func (s *Store) Iterator(ctx context.Context, filter *Filter, sort *Sort, opts IterOpts) (*Iterator, error) {
	plan, err := buildIterQuery(filter, sort, opts)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, plan.sql, plan.args...)
	if err != nil {
		return nil, fmt.Errorf("iterator query: %w", err)
	}
	return &Iterator{s: s, rows: rows}, nil
}

// Next returns the next entry id, or ok=false at the end of the cursor.
// Entries that disappeared from MAIN since the cursor was opened are
// silently skipped.
func (it *Iterator) Next(ctx context.Context) (types.EntryID, bool, error) {
	for it.rows.Next() {
		var pk int64
		if err := it.rows.Scan(&pk); err != nil {
			return types.EntryID{}, false, fmt.Errorf("iterator scan: %w", err)
		}
		id, err := it.s.idByPK(ctx, pk)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return types.EntryID{}, false, err
		}
		return id, true, nil
	}
	return types.EntryID{}, false, it.rows.Err()
}

// Close releases the cursor.
func (it *Iterator) Close() error {
	return it.rows.Close()
}

func (s *Store) idByPK(ctx context.Context, pk int64) (types.EntryID, error) {
	var device, inode, validator int64
	err := s.db.QueryRowContext(ctx,
		"SELECT device, inode, validator FROM MAIN WHERE id = ?", pk).
		Scan(&device, &inode, &validator)
	if err != nil {
		return types.EntryID{}, err
	}
	return types.EntryID{
		Device:    uint64(device),
		Inode:     uint64(inode),
		Validator: validator,
	}, nil
}

// GetChild returns the children of the given parents matching a
// MAIN-table filter, with their attributes restricted to mask. It backs
// the scrubber's breadth-first walk.
func (s *Store) GetChild(ctx context.Context, parents []types.EntryID, filter *Filter,
	mask types.AttrSet, limit int) ([]types.EntryID, []*types.EntryAttributes, error) {

	if len(parents) == 0 {
		return nil, nil, nil
	}

	var b strings.Builder
	b.WriteString(`SELECT id, device, inode, validator FROM MAIN WHERE parent_id IN (?`)
	b.WriteString(strings.Repeat(", ?", len(parents)-1))
	b.WriteString(")")
	args := make([]any, 0, len(parents)+4)
	for _, p := range parents {
		args = append(args, p.PrimaryKey())
	}

	if filter != nil {
		for _, c := range filter.conds {
			info, ok := attrColumns[c.Attr]
			if !ok || info.table != tMain {
				return nil, nil, fmt.Errorf("%w: GetChild filters must stay in the main table", types.ErrInvalidInput)
			}
			fmt.Fprintf(&b, " AND %s %s ?", info.column, c.Op.sql())
			args = append(args, condValue(c))
		}
	}
	b.WriteString(" ORDER BY id")
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, nil, fmt.Errorf("get child: %w", err)
	}
	defer rows.Close()

	var pks []int64
	var ids []types.EntryID
	for rows.Next() {
		var pk, device, inode, validator int64
		if err := rows.Scan(&pk, &device, &inode, &validator); err != nil {
			return nil, nil, fmt.Errorf("get child scan: %w", err)
		}
		pks = append(pks, pk)
		ids = append(ids, types.EntryID{
			Device:    uint64(device),
			Inode:     uint64(inode),
			Validator: validator,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("get child: %w", err)
	}

	if mask == 0 {
		return ids, nil, nil
	}
	attrs := make([]*types.EntryAttributes, len(pks))
	for i, pk := range pks {
		a, err := s.getByPK(ctx, pk, mask)
		if err != nil {
			return nil, nil, err
		}
		attrs[i] = a
	}
	return ids, attrs, nil
}
