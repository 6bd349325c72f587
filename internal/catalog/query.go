package catalog

import (
	"fmt"
	"strings"

	"github.com/jra3/fspolicy/internal/types"
)

// CompareOp is a filter comparison operator.
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpLike
)

func (op CompareOp) sql() string {
	switch op {
	case OpEq:
		return "="
	case OpNe:
		return "<>"
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	default:
		return "LIKE"
	}
}

// Condition is one attribute comparison of a filter.
type Condition struct {
	Attr  types.AttrSet
	Op    CompareOp
	Value any
}

// Filter is a conjunction of attribute comparisons, possibly spanning
// several tables and directory aggregates.
type Filter struct {
	conds []Condition
}

// NewFilter builds a filter from conditions. The zero Filter matches
// every entry.
func NewFilter(conds ...Condition) *Filter {
	return &Filter{conds: conds}
}

// Add appends a condition and returns the filter for chaining.
func (f *Filter) Add(attr types.AttrSet, op CompareOp, value any) *Filter {
	f.conds = append(f.conds, Condition{Attr: attr, Op: op, Value: value})
	return f
}

// Sort directs an iterator sort.
type Sort struct {
	Attr types.AttrSet
	Desc bool
}

// IterOpts tunes an iterator.
type IterOpts struct {
	// Limit caps the number of returned ids; 0 means unlimited.
	Limit int
}

// condValue converts filter values to their column representation.
func condValue(c Condition) any {
	switch v := c.Value.(type) {
	case types.EntryType:
		return string(v)
	case types.Status:
		return string(v)
	case types.EntryID:
		return v.PrimaryKey()
	default:
		return v
	}
}

// joinOrder fixes the table sequence of multi-table queries so that
// identical inputs always render identical SQL.
var joinOrder = []tableID{tMain, tAnnex, tStripeInfo, tStripeItems}

// queryPlan is the intermediate result of planning an iterator query.
type queryPlan struct {
	sql  string
	args []any
}

// buildIterQuery composes the single relational query of an iterator:
// driver table selection, inner-join chain over every touched table, and
// an optional left join against the directory-aggregate subquery.
func buildIterQuery(filter *Filter, sort *Sort, opts IterOpts) (*queryPlan, error) {
	// Partition the filter per table.
	perTable := map[tableID][]Condition{}
	var dirConds []Condition
	if filter != nil {
		for _, c := range filter.conds {
			info, ok := attrColumns[c.Attr]
			if !ok || info.table == tGenerated {
				return nil, fmt.Errorf("%w: attribute %#x cannot be filtered", types.ErrInvalidInput, c.Attr)
			}
			if info.table == tDirAttr {
				dirConds = append(dirConds, c)
				continue
			}
			perTable[info.table] = append(perTable[info.table], c)
		}
	}

	// Locate the sort.
	sortTable := tNone
	sortDir := false
	if sort != nil {
		info, ok := attrColumns[sort.Attr]
		if !ok || info.table == tGenerated {
			return nil, fmt.Errorf("%w: attribute %#x cannot be sorted on", types.ErrInvalidInput, sort.Attr)
		}
		if info.table == tDirAttr {
			sortDir = true
		} else {
			sortTable = info.table
		}
	}

	// Enumerate every regular table hit by filter or sort.
	var touched []tableID
	for _, t := range joinOrder {
		if len(perTable[t]) > 0 || sortTable == t {
			touched = append(touched, t)
		}
	}

	var b strings.Builder
	var args []any
	driver := tMain

	switch len(touched) {
	case 0:
		// Dir-aggregate-only query (or full listing): drive from MAIN.
		b.WriteString("SELECT MAIN.id AS id FROM MAIN")
	case 1:
		driver = touched[0]
		name := tableNames[driver]
		if driver == tStripeItems {
			fmt.Fprintf(&b, "SELECT DISTINCT(%s.id) AS id FROM %s", name, name)
		} else {
			fmt.Fprintf(&b, "SELECT %s.id AS id FROM %s", name, name)
		}
	default:
		driver = touched[0]
		fmt.Fprintf(&b, "SELECT %s.id AS id FROM %s", tableNames[driver], tableNames[driver])
		for _, t := range touched[1:] {
			fmt.Fprintf(&b, " INNER JOIN %s ON %s.id = %s.id",
				tableNames[t], tableNames[driver], tableNames[t])
		}
	}

	// Directory-aggregate subquery: one LEFT JOIN carrying the filter
	// aggregate, the sort aggregate, or both. When filter and sort
	// aggregate over the same attribute the synthetic column is reused.
	dirCol := map[types.AttrSet]string{}
	if len(dirConds) > 0 || sortDir {
		var cols []string
		if sortDir {
			cols = append(cols, dirAttrExpr(sort.Attr)+" AS dirattr_sort")
			dirCol[sort.Attr] = "dirattr_sort"
		}
		for _, c := range dirConds {
			if _, done := dirCol[c.Attr]; done {
				continue
			}
			if len(dirCol) > 0 && !sortDir || len(dirCol) > 1 {
				return nil, fmt.Errorf("%w: at most one directory aggregate can be filtered", types.ErrInvalidInput)
			}
			cols = append(cols, dirAttrExpr(c.Attr)+" AS dirattr")
			dirCol[c.Attr] = "dirattr"
		}
		fmt.Fprintf(&b, " LEFT JOIN (SELECT parent_id, %s FROM MAIN GROUP BY parent_id) AS da ON %s.id = da.parent_id",
			strings.Join(cols, ", "), tableNames[driver])
	}

	// Per-table predicates, in join order.
	var where []string
	for _, t := range joinOrder {
		for _, c := range perTable[t] {
			where = append(where, fmt.Sprintf("%s.%s %s ?",
				tableNames[t], attrColumns[c.Attr].column, c.Op.sql()))
			args = append(args, condValue(c))
		}
	}
	for _, c := range dirConds {
		expr := "da." + dirCol[c.Attr]
		if c.Attr == types.AttrDirCount {
			// A directory without children has no aggregate row:
			// count it as zero so "empty directory" filters match.
			expr = "COALESCE(" + expr + ", 0)"
		}
		where = append(where, fmt.Sprintf("%s %s ?", expr, c.Op.sql()))
		args = append(args, condValue(c))
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	if sort != nil {
		order := "ASC"
		if sort.Desc {
			order = "DESC"
		}
		if sortDir {
			fmt.Fprintf(&b, " ORDER BY dirattr_sort %s", order)
		} else {
			fmt.Fprintf(&b, " ORDER BY %s.%s %s",
				tableNames[sortTable], attrColumns[sort.Attr].column, order)
		}
	}

	if opts.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", opts.Limit)
	}

	return &queryPlan{sql: b.String(), args: args}, nil
}
