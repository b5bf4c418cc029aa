// Package schema describes the tables, keys, relations and filters that make up
// a synchronization scope.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/rowsync/internal/sync"
)

// Column is one column of a synchronized table.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Nullable bool   `json:"nullable,omitempty"`
}

// Table declares the structure of a synchronized table.
type Table struct {
	Name string `json:"name"`

	// Columns lists every column in table order, primary keys included.
	Columns []Column `json:"columns"`

	// PrimaryKeys lists the key columns in key order.
	PrimaryKeys []string `json:"primary_keys"`
}

// ColumnNames returns the column names in table order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports whether the table declares a column called name.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// IsPrimaryKey reports whether name is one of the key columns.
func (t *Table) IsPrimaryKey(name string) bool {
	for _, k := range t.PrimaryKeys {
		if k == name {
			return true
		}
	}
	return false
}

// Relation is a foreign key from ChildTable to ParentTable.
type Relation struct {
	Name          string   `json:"name,omitempty"`
	ChildTable    string   `json:"child_table"`
	ChildColumns  []string `json:"child_columns"`
	ParentTable   string   `json:"parent_table"`
	ParentColumns []string `json:"parent_columns"`
}

// JoinType is the SQL join used by a filter join.
type JoinType string

const (
	JoinInner JoinType = "inner"
	JoinLeft  JoinType = "left"
)

// FilterJoin joins Table into a filter query on LeftTable.LeftColumn = RightTable.RightColumn.
type FilterJoin struct {
	Type        JoinType `json:"type" yaml:"type"`
	Table       string   `json:"table" yaml:"table"`
	LeftTable   string   `json:"left_table" yaml:"left_table"`
	LeftColumn  string   `json:"left_column" yaml:"left_column"`
	RightTable  string   `json:"right_table" yaml:"right_table"`
	RightColumn string   `json:"right_column" yaml:"right_column"`
}

// FilterWhere restricts Table.Column to the value bound to Parameter.
// A parameter without a value does not restrict anything.
type FilterWhere struct {
	Table     string `json:"table" yaml:"table"`
	Column    string `json:"column" yaml:"column"`
	Parameter string `json:"parameter" yaml:"parameter"`
}

// Filter restricts the rows of Table that are eligible for synchronization.
type Filter struct {
	Table      string        `json:"table" yaml:"table"`
	Parameters []string      `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Joins      []FilterJoin  `json:"joins,omitempty" yaml:"joins,omitempty"`
	Wheres     []FilterWhere `json:"wheres,omitempty" yaml:"wheres,omitempty"`
}

// Setup is what a caller declares for a scope before the schema is read from a store.
type Setup struct {
	ScopeName string   `json:"scope_name"`
	Tables    []string `json:"tables"`
	Filters   []Filter `json:"filters,omitempty"`
}

// SyncSet is the full description of a scope: tables, relations and filters.
// Call Prepare (or Parse) before using the ordering accessors.
type SyncSet struct {
	ScopeName string     `json:"scope_name"`
	Tables    []Table    `json:"tables"`
	Relations []Relation `json:"relations,omitempty"`
	Filters   []Filter   `json:"filters,omitempty"`

	order []string
	index map[string]int
}

// Parse decodes a serialized SyncSet and prepares it.
func Parse(data string) (*SyncSet, error) {
	if data == "" {
		return nil, fmt.Errorf("%w: empty schema", sync.ErrSchema)
	}
	var s SyncSet
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("%w: decode schema: %v", sync.ErrSchema, err)
	}
	if err := s.Prepare(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Marshal serializes the SyncSet for caching in a ScopeInfo.
func (s *SyncSet) Marshal() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode schema: %w", err)
	}
	return string(data), nil
}

// Prepare validates the SyncSet and computes the table dependency order.
// Errors wrap sync.ErrSchema.
func (s *SyncSet) Prepare() error {
	if err := s.validate(); err != nil {
		return fmt.Errorf("%w: %v", sync.ErrSchema, err)
	}
	s.index = make(map[string]int, len(s.Tables))
	for i, t := range s.Tables {
		s.index[t.Name] = i
	}
	s.order = topologicalOrder(s.Tables, s.Relations)
	return nil
}

// Table returns the named table, or nil.
func (s *SyncSet) Table(name string) *Table {
	if s.index != nil {
		if i, ok := s.index[name]; ok {
			return &s.Tables[i]
		}
		return nil
	}
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i]
		}
	}
	return nil
}

// Filter returns the filter declared for table, or nil.
func (s *SyncSet) Filter(table string) *Filter {
	for i := range s.Filters {
		if s.Filters[i].Table == table {
			return &s.Filters[i]
		}
	}
	return nil
}

// Order returns table names parents first: the order inserts and updates are applied in.
func (s *SyncSet) Order() []string {
	return append([]string(nil), s.order...)
}

// ReverseOrder returns table names children first: the order deletes are applied in.
func (s *SyncSet) ReverseOrder() []string {
	out := make([]string, len(s.order))
	for i, name := range s.order {
		out[len(s.order)-1-i] = name
	}
	return out
}

// TableNames returns table names in declared order.
func (s *SyncSet) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}
