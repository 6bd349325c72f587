package catalog

import (
	"github.com/jra3/fspolicy/internal/types"
)

// tableID identifies the table an attribute is stored in.
type tableID int

const (
	tNone tableID = iota
	tMain
	tAnnex
	tStripeInfo
	tStripeItems
	// tDirAttr marks synthetic directory aggregates computed from
	// children rows rather than stored columns.
	tDirAttr
	// tGenerated marks fields derived in the client after fetch.
	tGenerated
)

var tableNames = map[tableID]string{
	tMain:        "MAIN",
	tAnnex:       "ANNEX",
	tStripeInfo:  "STRIPE_INFO",
	tStripeItems: "STRIPE_ITEMS",
}

type colInfo struct {
	table  tableID
	column string
}

// attrColumns is the static attribute-to-column mapping used by both the
// accessors and the query planner.
var attrColumns = map[types.AttrSet]colInfo{
	types.AttrFullPath:     {tMain, "fullpath"},
	types.AttrName:         {tMain, "name"},
	types.AttrParentID:     {tMain, "parent_id"},
	types.AttrType:         {tMain, "type"},
	types.AttrOwner:        {tMain, "owner"},
	types.AttrGroup:        {tMain, "grp"},
	types.AttrSize:         {tMain, "size"},
	types.AttrBlocks:       {tMain, "blocks"},
	types.AttrBlkSize:      {tMain, "blksize"},
	types.AttrNlink:        {tMain, "nlink"},
	types.AttrLastAccess:   {tMain, "last_access"},
	types.AttrLastMod:      {tMain, "last_mod"},
	types.AttrCreationTime: {tMain, "creation_time"},
	types.AttrStatus:       {tMain, "status"},
	types.AttrBackendPath:  {tMain, "backendpath"},
	types.AttrLastArchive:  {tMain, "last_archive"},
	types.AttrMDUpdate:     {tMain, "md_update"},
	types.AttrDepth:        {tGenerated, ""},
	types.AttrLink:         {tAnnex, "link"},
	types.AttrPolicyClass:  {tAnnex, "policy_class"},
	types.AttrLastRestore:  {tAnnex, "last_restore"},
	types.AttrStripeInfo:   {tStripeInfo, "pool_name"},
	types.AttrStripeItems:  {tStripeItems, "ostidx"},
	types.AttrDirCount:     {tDirAttr, "COUNT(*)"},
	types.AttrAvgSize:      {tDirAttr, "AVG(size)"},
}

// allAttrs lists every attribute bit in declaration order so query
// assembly is deterministic: identical inputs produce identical SQL.
var allAttrs = []types.AttrSet{
	types.AttrFullPath,
	types.AttrName,
	types.AttrParentID,
	types.AttrType,
	types.AttrOwner,
	types.AttrGroup,
	types.AttrSize,
	types.AttrBlocks,
	types.AttrBlkSize,
	types.AttrNlink,
	types.AttrLastAccess,
	types.AttrLastMod,
	types.AttrCreationTime,
	types.AttrDepth,
	types.AttrDirCount,
	types.AttrAvgSize,
	types.AttrStripeInfo,
	types.AttrStripeItems,
	types.AttrStatus,
	types.AttrBackendPath,
	types.AttrLastArchive,
	types.AttrLink,
	types.AttrPolicyClass,
	types.AttrLastRestore,
	types.AttrMDUpdate,
}

// dirAttrExpr returns the aggregate expression of a directory attribute.
func dirAttrExpr(attr types.AttrSet) string {
	return attrColumns[attr].column
}
