package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jra3/fspolicy/internal/types"
)

// Exists reports whether an entry row is present in MAIN.
func (s *Store) Exists(ctx context.Context, id types.EntryID) (bool, error) {
	var pk int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM MAIN WHERE id = ?", id.PrimaryKey()).Scan(&pk)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return true, nil
}

// LookupByPath resolves an entry id from its cataloged full path. Used
// by the pipeline when a change event refers to an entry that already
// vanished from the filesystem.
func (s *Store) LookupByPath(ctx context.Context, fullpath string) (types.EntryID, bool, error) {
	var device, inode, validator int64
	err := s.db.QueryRowContext(ctx,
		"SELECT device, inode, validator FROM MAIN WHERE fullpath = ?", fullpath).
		Scan(&device, &inode, &validator)
	if err == sql.ErrNoRows {
		return types.EntryID{}, false, nil
	}
	if err != nil {
		return types.EntryID{}, false, fmt.Errorf("lookup by path: %w", err)
	}
	return types.EntryID{
		Device:    uint64(device),
		Inode:     uint64(inode),
		Validator: validator,
	}, true, nil
}

// Get assembles an attribute record for id, restricted to mask. Missing
// entries fail with NotFound; attributes that are unset in the catalog
// stay nil in the result.
func (s *Store) Get(ctx context.Context, id types.EntryID, mask types.AttrSet) (*types.EntryAttributes, error) {
	return s.getByPK(ctx, id.PrimaryKey(), mask)
}

func (s *Store) getByPK(ctx context.Context, pk int64, mask types.AttrSet) (*types.EntryAttributes, error) {
	attrs := &types.EntryAttributes{}

	if err := s.fetchMain(ctx, pk, mask, attrs); err != nil {
		return nil, err
	}
	if mask.Any(types.AttrLink | types.AttrPolicyClass | types.AttrLastRestore) {
		if err := s.fetchAnnex(ctx, pk, mask, attrs); err != nil {
			return nil, err
		}
	}
	if mask.Any(types.AttrStripeInfo | types.AttrStripeItems) {
		if err := s.fetchStripe(ctx, pk, mask, attrs); err != nil {
			return nil, err
		}
	}
	if mask.Any(types.AttrsDir) && attrs.Type != nil && *attrs.Type == types.TypeDir {
		if err := s.fetchDirAttrs(ctx, pk, mask, attrs); err != nil {
			return nil, err
		}
	}
	if mask.Has(types.AttrDepth) && attrs.FullPath != nil {
		attrs.Depth = types.Ptr(pathDepth(*attrs.FullPath))
	}
	return attrs, nil
}

// pathDepth is generated client-side from the full path: the number of
// components of the absolute path ("/mnt/fs/a/b.dat" has depth 4).
func pathDepth(fullpath string) int32 {
	p := strings.Trim(fullpath, "/")
	if p == "" {
		return 0
	}
	return int32(strings.Count(p, "/") + 1)
}

func (s *Store) fetchMain(ctx context.Context, pk int64, mask types.AttrSet, attrs *types.EntryAttributes) error {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.fullpath, m.name, m.type, m.owner, m.grp, m.size, m.blocks,
		       m.blksize, m.nlink, m.last_access, m.last_mod, m.creation_time,
		       m.status, m.backendpath, m.last_archive, m.md_update,
		       p.device, p.inode, p.validator
		FROM MAIN m
		LEFT JOIN MAIN p ON p.id = m.parent_id
		WHERE m.id = ?`, pk)

	var (
		fullpath, name, typ, owner, grp, status, backendpath sql.NullString
		size, blocks, blksize, nlink                         sql.NullInt64
		lastAccess, lastMod, creationTime                    sql.NullInt64
		lastArchive, mdUpdate                                sql.NullInt64
		pDevice, pInode, pValidator                          sql.NullInt64
	)
	err := row.Scan(&fullpath, &name, &typ, &owner, &grp, &size, &blocks,
		&blksize, &nlink, &lastAccess, &lastMod, &creationTime,
		&status, &backendpath, &lastArchive, &mdUpdate,
		&pDevice, &pInode, &pValidator)
	if err == sql.ErrNoRows {
		return fmt.Errorf("get entry %d: %w", pk, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get entry %d: %w", pk, err)
	}

	if mask.Has(types.AttrFullPath) {
		attrs.FullPath = fromNullString(fullpath)
	}
	if mask.Has(types.AttrName) {
		attrs.Name = fromNullString(name)
	}
	if mask.Has(types.AttrParentID) && pInode.Valid {
		attrs.ParentID = &types.EntryID{
			Device:    uint64(pDevice.Int64),
			Inode:     uint64(pInode.Int64),
			Validator: pValidator.Int64,
		}
	}
	if mask.Has(types.AttrType) && typ.Valid {
		attrs.Type = types.Ptr(types.EntryType(typ.String))
	}
	if mask.Has(types.AttrOwner) {
		attrs.Owner = fromNullString(owner)
	}
	if mask.Has(types.AttrGroup) {
		attrs.Group = fromNullString(grp)
	}
	if mask.Has(types.AttrSize) {
		attrs.Size = fromNullInt64(size)
	}
	if mask.Has(types.AttrBlocks) {
		attrs.Blocks = fromNullInt64(blocks)
	}
	if mask.Has(types.AttrBlkSize) {
		attrs.BlkSize = fromNullInt64(blksize)
	}
	if mask.Has(types.AttrNlink) && nlink.Valid {
		attrs.Nlink = types.Ptr(uint32(nlink.Int64))
	}
	if mask.Has(types.AttrLastAccess) {
		attrs.LastAccess = fromNullTime(lastAccess)
	}
	if mask.Has(types.AttrLastMod) {
		attrs.LastMod = fromNullTime(lastMod)
	}
	if mask.Has(types.AttrCreationTime) {
		attrs.CreationTime = fromNullTime(creationTime)
	}
	if mask.Has(types.AttrStatus) && status.Valid {
		attrs.Status = types.Ptr(types.Status(status.String))
	}
	if mask.Has(types.AttrBackendPath) {
		attrs.BackendPath = fromNullString(backendpath)
	}
	if mask.Has(types.AttrLastArchive) {
		attrs.LastArchive = fromNullTime(lastArchive)
	}
	if mask.Has(types.AttrMDUpdate) {
		attrs.MDUpdate = fromNullTime(mdUpdate)
	}
	// Keep the type around for the dir-aggregate decision even if the
	// caller did not ask for it.
	if attrs.Type == nil && typ.Valid {
		attrs.Type = types.Ptr(types.EntryType(typ.String))
	}
	return nil
}

func (s *Store) fetchAnnex(ctx context.Context, pk int64, mask types.AttrSet, attrs *types.EntryAttributes) error {
	var (
		link, policyClass sql.NullString
		lastRestore       sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT link, policy_class, last_restore FROM ANNEX WHERE id = ?", pk).
		Scan(&link, &policyClass, &lastRestore)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get annex %d: %w", pk, err)
	}
	if mask.Has(types.AttrLink) {
		attrs.Link = fromNullString(link)
	}
	if mask.Has(types.AttrPolicyClass) {
		attrs.PolicyClass = fromNullString(policyClass)
	}
	if mask.Has(types.AttrLastRestore) {
		attrs.LastRestore = fromNullTime(lastRestore)
	}
	return nil
}

func (s *Store) fetchStripe(ctx context.Context, pk int64, mask types.AttrSet, attrs *types.EntryAttributes) error {
	if mask.Has(types.AttrStripeInfo) {
		var info types.StripeInfo
		err := s.db.QueryRowContext(ctx,
			"SELECT stripe_count, stripe_size, pool_name FROM STRIPE_INFO WHERE id = ?", pk).
			Scan(&info.StripeCount, &info.StripeSize, &info.PoolName)
		if err == nil {
			attrs.StripeInfo = &info
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("get stripe info %d: %w", pk, err)
		}
	}
	if mask.Has(types.AttrStripeItems) {
		rows, err := s.db.QueryContext(ctx,
			"SELECT ostidx, details FROM STRIPE_ITEMS WHERE id = ? ORDER BY stripe_index", pk)
		if err != nil {
			return fmt.Errorf("get stripe items %d: %w", pk, err)
		}
		defer rows.Close()
		var items []types.StripeItem
		for rows.Next() {
			var item types.StripeItem
			if err := rows.Scan(&item.OstIdx, &item.Details); err != nil {
				return fmt.Errorf("scan stripe item: %w", err)
			}
			items = append(items, item)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("get stripe items %d: %w", pk, err)
		}
		attrs.StripeItems = items
	}
	return nil
}

func (s *Store) fetchDirAttrs(ctx context.Context, pk int64, mask types.AttrSet, attrs *types.EntryAttributes) error {
	var count sql.NullInt64
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(size) FROM MAIN WHERE parent_id = ?", pk).
		Scan(&count, &avg)
	if err != nil {
		return fmt.Errorf("get dir attrs %d: %w", pk, err)
	}
	if mask.Has(types.AttrDirCount) && count.Valid {
		attrs.DirCount = types.Ptr(count.Int64)
	}
	if mask.Has(types.AttrAvgSize) && avg.Valid {
		attrs.AvgSize = types.Ptr(int64(avg.Float64))
	}
	return nil
}

// GetDirAttrs populates the dircount/avgsize aggregates of a directory
// entry. The attributes stay unset on non-directory types.
func (s *Store) GetDirAttrs(ctx context.Context, id types.EntryID, attrs *types.EntryAttributes) error {
	if attrs.Type != nil && *attrs.Type != types.TypeDir {
		return nil
	}
	return s.fetchDirAttrs(ctx, id.PrimaryKey(), types.AttrsDir, attrs)
}

// mainAssignments renders the present MAIN attributes as column/value
// pairs in deterministic column order.
func mainAssignments(id types.EntryID, attrs *types.EntryAttributes) ([]string, []any) {
	cols := []string{"device", "inode", "validator"}
	vals := []any{int64(id.Device), int64(id.Inode), id.Validator}

	add := func(col string, v any) {
		cols = append(cols, col)
		vals = append(vals, v)
	}
	if attrs.ParentID != nil {
		add("parent_id", attrs.ParentID.PrimaryKey())
	}
	if attrs.Name != nil {
		add("name", *attrs.Name)
	}
	if attrs.FullPath != nil {
		add("fullpath", *attrs.FullPath)
	}
	if attrs.Type != nil {
		add("type", string(*attrs.Type))
	}
	if attrs.Owner != nil {
		add("owner", *attrs.Owner)
	}
	if attrs.Group != nil {
		add("grp", *attrs.Group)
	}
	if attrs.Size != nil {
		add("size", *attrs.Size)
	}
	if attrs.Blocks != nil {
		add("blocks", *attrs.Blocks)
	}
	if attrs.BlkSize != nil {
		add("blksize", *attrs.BlkSize)
	}
	if attrs.Nlink != nil {
		add("nlink", int64(*attrs.Nlink))
	}
	if attrs.LastAccess != nil {
		add("last_access", attrs.LastAccess.Unix())
	}
	if attrs.LastMod != nil {
		add("last_mod", attrs.LastMod.Unix())
	}
	if attrs.CreationTime != nil {
		add("creation_time", attrs.CreationTime.Unix())
	}
	if attrs.Status != nil {
		add("status", string(*attrs.Status))
	}
	if attrs.BackendPath != nil {
		add("backendpath", *attrs.BackendPath)
	}
	if attrs.LastArchive != nil {
		add("last_archive", attrs.LastArchive.Unix())
	}
	if attrs.MDUpdate != nil {
		add("md_update", attrs.MDUpdate.Unix())
	}
	return cols, vals
}

func hasAnnexAttrs(attrs *types.EntryAttributes) bool {
	return attrs.Link != nil || attrs.PolicyClass != nil || attrs.LastRestore != nil
}

// Insert creates the entry. An existing row with the same primary key is
// a conflict.
func (s *Store) Insert(ctx context.Context, id types.EntryID, attrs *types.EntryAttributes) error {
	return s.write(ctx, id, attrs, false)
}

// Upsert creates the entry or refreshes the attributes that are present,
// leaving the others untouched.
func (s *Store) Upsert(ctx context.Context, id types.EntryID, attrs *types.EntryAttributes) error {
	return s.write(ctx, id, attrs, true)
}

func (s *Store) write(ctx context.Context, id types.EntryID, attrs *types.EntryAttributes, upsert bool) error {
	cols, vals := mainAssignments(id, attrs)

	var b strings.Builder
	b.WriteString("INSERT INTO MAIN (id")
	for _, c := range cols {
		b.WriteString(", ")
		b.WriteString(c)
	}
	b.WriteString(") VALUES (?")
	b.WriteString(strings.Repeat(", ?", len(cols)))
	b.WriteString(")")
	if upsert {
		b.WriteString(" ON CONFLICT(id) DO UPDATE SET ")
		for i, c := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = excluded.%s", c, c)
		}
	}

	args := append([]any{id.PrimaryKey()}, vals...)
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
			if !upsert && strings.Contains(err.Error(), "UNIQUE constraint") {
				return fmt.Errorf("insert entry %s: %w", id, types.ErrAlreadyExists)
			}
			return fmt.Errorf("write entry %s: %w", id, err)
		}
		if hasAnnexAttrs(attrs) {
			if err := writeAnnexTx(ctx, tx, id.PrimaryKey(), attrs); err != nil {
				return err
			}
		}
		if attrs.StripeInfo != nil {
			if err := replaceStripeTx(ctx, tx, id.PrimaryKey(), id.Validator, attrs.StripeInfo, attrs.StripeItems); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeAnnexTx(ctx context.Context, tx *sql.Tx, pk int64, attrs *types.EntryAttributes) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ANNEX (id, link, policy_class, last_restore)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			link          = COALESCE(excluded.link, link),
			policy_class  = COALESCE(excluded.policy_class, policy_class),
			last_restore  = COALESCE(excluded.last_restore, last_restore)`,
		pk, toNullString(attrs.Link), toNullString(attrs.PolicyClass),
		toNullTime(attrs.LastRestore))
	if err != nil {
		return fmt.Errorf("write annex %d: %w", pk, err)
	}
	return nil
}

// Update rewrites the present attributes of an existing entry; missing
// entries fail with NotFound.
func (s *Store) Update(ctx context.Context, id types.EntryID, attrs *types.EntryAttributes) error {
	ok, err := s.updateIfExists(ctx, id, attrs)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("update entry %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// UpdateIfExists rewrites the present attributes when the entry exists
// and reports whether it did.
func (s *Store) UpdateIfExists(ctx context.Context, id types.EntryID, attrs *types.EntryAttributes) (bool, error) {
	return s.updateIfExists(ctx, id, attrs)
}

func (s *Store) updateIfExists(ctx context.Context, id types.EntryID, attrs *types.EntryAttributes) (bool, error) {
	cols, vals := mainAssignments(id, attrs)

	var b strings.Builder
	b.WriteString("UPDATE MAIN SET ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c)
		b.WriteString(" = ?")
	}
	b.WriteString(" WHERE id = ?")
	args := append(vals, id.PrimaryKey())

	var updated bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, b.String(), args...)
		if err != nil {
			return fmt.Errorf("update entry %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		updated = n > 0
		if !updated {
			return nil
		}
		if hasAnnexAttrs(attrs) {
			if err := writeAnnexTx(ctx, tx, id.PrimaryKey(), attrs); err != nil {
				return err
			}
		}
		if attrs.StripeInfo != nil {
			if err := replaceStripeTx(ctx, tx, id.PrimaryKey(), id.Validator, attrs.StripeInfo, attrs.StripeItems); err != nil {
				return err
			}
		}
		return nil
	})
	return updated, err
}

// Remove deletes the entry and its annex and stripe rows.
func (s *Store) Remove(ctx context.Context, id types.EntryID) error {
	pk := id.PrimaryKey()
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM MAIN WHERE id = ?", pk)
		if err != nil {
			return fmt.Errorf("remove entry %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("remove entry %s: %w", id, types.ErrNotFound)
		}
		for _, table := range []string{"ANNEX", "STRIPE_ITEMS", "STRIPE_INFO"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", pk); err != nil {
				return fmt.Errorf("remove %s rows for %s: %w", table, id, err)
			}
		}
		return nil
	})
}

// RemoveStale deletes every entry whose metadata was last refreshed
// before cutoff. It backs the end-of-scan cleanup of entries that
// disappeared from the filesystem between two sweeps.
func (s *Store) RemoveStale(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"ANNEX", "STRIPE_ITEMS", "STRIPE_INFO"} {
			_, err := tx.ExecContext(ctx,
				"DELETE FROM "+table+" WHERE id IN (SELECT id FROM MAIN WHERE md_update < ?)",
				cutoff.Unix())
			if err != nil {
				return fmt.Errorf("remove stale %s rows: %w", table, err)
			}
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM MAIN WHERE md_update < ?", cutoff.Unix())
		if err != nil {
			return fmt.Errorf("remove stale entries: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}
