package schema

import (
	"fmt"

	"github.com/hyperengineering/rowsync/internal/validation"
)

// MaxScopeNameLength bounds scope names; they are used as directory and URL segments.
const MaxScopeNameLength = 128

func (s *SyncSet) validate() error {
	c := &validation.Collector{}

	c.Add(validation.ValidateRequired("scope_name", s.ScopeName))
	c.Add(validation.ValidateMaxLength("scope_name", s.ScopeName, MaxScopeNameLength))
	if len(s.Tables) == 0 {
		c.Addf("tables", "at least one table is required")
	}

	tables := make(map[string]*Table, len(s.Tables))
	for i := range s.Tables {
		t := &s.Tables[i]
		field := fmt.Sprintf("tables[%d]", i)
		c.Add(validation.ValidateIdentifier(field+".name", t.Name))
		if _, dup := tables[t.Name]; dup {
			c.Addf(field+".name", "duplicate table %q", t.Name)
		}
		tables[t.Name] = t
		validateTable(c, field, t)
	}

	for i, r := range s.Relations {
		validateRelation(c, fmt.Sprintf("relations[%d]", i), r, tables)
	}

	filtered := make(map[string]bool, len(s.Filters))
	for i := range s.Filters {
		f := &s.Filters[i]
		field := fmt.Sprintf("filters[%d]", i)
		if filtered[f.Table] {
			c.Addf(field+".table", "duplicate filter for table %q", f.Table)
		}
		filtered[f.Table] = true
		validateFilter(c, field, f, tables)
	}

	return c.Err()
}

func validateTable(c *validation.Collector, field string, t *Table) {
	if len(t.Columns) == 0 {
		c.Addf(field+".columns", "table %q has no columns", t.Name)
	}
	cols := make(map[string]bool, len(t.Columns))
	for j, col := range t.Columns {
		c.Add(validation.ValidateIdentifier(fmt.Sprintf("%s.columns[%d].name", field, j), col.Name))
		if cols[col.Name] {
			c.Addf(fmt.Sprintf("%s.columns[%d].name", field, j), "duplicate column %q", col.Name)
		}
		cols[col.Name] = true
	}
	if len(t.PrimaryKeys) == 0 {
		c.Addf(field+".primary_keys", "table %q has no primary key", t.Name)
	}
	for _, k := range t.PrimaryKeys {
		if !cols[k] {
			c.Addf(field+".primary_keys", "key column %q is not a column of %q", k, t.Name)
		}
	}
}

func validateRelation(c *validation.Collector, field string, r Relation, tables map[string]*Table) {
	child, ok := tables[r.ChildTable]
	if !ok {
		c.Addf(field+".child_table", "unknown table %q", r.ChildTable)
	}
	parent, ok := tables[r.ParentTable]
	if !ok {
		c.Addf(field+".parent_table", "unknown table %q", r.ParentTable)
	}
	if len(r.ChildColumns) == 0 || len(r.ChildColumns) != len(r.ParentColumns) {
		c.Addf(field, "child and parent column lists must be non-empty and of equal length")
		return
	}
	if child != nil {
		for _, col := range r.ChildColumns {
			if !child.HasColumn(col) {
				c.Addf(field+".child_columns", "unknown column %q on %q", col, child.Name)
			}
		}
	}
	if parent != nil {
		for _, col := range r.ParentColumns {
			if !parent.HasColumn(col) {
				c.Addf(field+".parent_columns", "unknown column %q on %q", col, parent.Name)
			}
		}
	}
}

func validateFilter(c *validation.Collector, field string, f *Filter, tables map[string]*Table) {
	if _, ok := tables[f.Table]; !ok {
		c.Addf(field+".table", "unknown table %q", f.Table)
		return
	}

	// Tables a where clause may reference: the filtered table and everything joined in.
	reachable := map[string]bool{f.Table: true}
	for j, join := range f.Joins {
		jf := fmt.Sprintf("%s.joins[%d]", field, j)
		c.Add(validation.ValidateEnum(jf+".type", string(join.Type), []string{string(JoinInner), string(JoinLeft)}))
		if _, ok := tables[join.Table]; !ok {
			c.Addf(jf+".table", "join table %q is not part of the scope", join.Table)
			continue
		}
		if reachable[join.Table] {
			c.Addf(jf+".table", "table %q is already part of the filter", join.Table)
			continue
		}
		reachable[join.Table] = true
		for _, side := range []struct{ table, column string }{
			{join.LeftTable, join.LeftColumn},
			{join.RightTable, join.RightColumn},
		} {
			if !reachable[side.table] {
				c.Addf(jf, "table %q is not joined at this point", side.table)
				continue
			}
			if !tables[side.table].HasColumn(side.column) {
				c.Addf(jf, "unknown column %q on %q", side.column, side.table)
			}
		}
	}

	params := make(map[string]bool, len(f.Parameters))
	for p, name := range f.Parameters {
		c.Add(validation.ValidateIdentifier(fmt.Sprintf("%s.parameters[%d]", field, p), name))
		params[name] = true
	}
	for w, where := range f.Wheres {
		wf := fmt.Sprintf("%s.wheres[%d]", field, w)
		if !reachable[where.Table] {
			c.Addf(wf+".table", "table %q is neither filtered nor joined", where.Table)
		} else if !tables[where.Table].HasColumn(where.Column) {
			c.Addf(wf+".column", "unknown column %q on %q", where.Column, where.Table)
		}
		if !params[where.Parameter] {
			c.Addf(wf+".parameter", "undeclared parameter %q", where.Parameter)
		}
	}
}
