package vectordb

import (
	"fmt"
	"strings"
)

// FilterOp is a filter tree operator.
type FilterOp string

const (
	OpEq     FilterOp = "eq"
	OpNe     FilterOp = "ne"
	OpIn     FilterOp = "in"
	OpRange  FilterOp = "range"
	OpAnd    FilterOp = "and"
	OpOr     FilterOp = "or"
	OpPrefix FilterOp = "prefix"
)

// Filter is a predicate tree over record fields. Leaf ops (eq, ne, in,
// range, prefix) test a named field; and/or combine children.
type Filter struct {
	Op       FilterOp  `json:"op"`
	Field    string    `json:"field,omitempty"`
	Value    any       `json:"value,omitempty"`
	Values   []any     `json:"values,omitempty"`
	GTE      *float64  `json:"gte,omitempty"`
	LTE      *float64  `json:"lte,omitempty"`
	Children []*Filter `json:"children,omitempty"`
}

// Eq builds an equality leaf.
func Eq(field string, value any) *Filter {
	return &Filter{Op: OpEq, Field: field, Value: value}
}

// Ne builds an inequality leaf.
func Ne(field string, value any) *Filter {
	return &Filter{Op: OpNe, Field: field, Value: value}
}

// In builds a membership leaf.
func In(field string, values ...any) *Filter {
	return &Filter{Op: OpIn, Field: field, Values: values}
}

// Prefix builds a string-prefix leaf, typically on "uri".
func Prefix(field, prefix string) *Filter {
	return &Filter{Op: OpPrefix, Field: field, Value: prefix}
}

// TimeRange builds a range leaf over created_at in epoch millis. Either
// bound may be nil.
func TimeRange(gte, lte *float64) *Filter {
	return &Filter{Op: OpRange, Field: "created_at", GTE: gte, LTE: lte}
}

// And combines filters conjunctively, dropping nils.
func And(children ...*Filter) *Filter {
	kept := prune(children)
	if len(kept) == 0 {
		return nil
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return &Filter{Op: OpAnd, Children: kept}
}

// Or combines filters disjunctively, dropping nils.
func Or(children ...*Filter) *Filter {
	kept := prune(children)
	if len(kept) == 0 {
		return nil
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return &Filter{Op: OpOr, Children: kept}
}

func prune(children []*Filter) []*Filter {
	kept := make([]*Filter, 0, len(children))
	for _, c := range children {
		if c != nil {
			kept = append(kept, c)
		}
	}
	return kept
}

// fieldValue resolves a filter field against a record. Well-known fields
// come from the record itself; anything else reads Fields.
func fieldValue(r *Record, field string) any {
	switch field {
	case "id":
		return r.ID
	case "uri":
		return r.URI
	case "context_type":
		return r.ContextType
	case "session_id":
		return r.SessionID
	case "abstract":
		return r.Abstract
	case "created_at":
		return r.CreatedAt
	case "account_id":
		return r.User.AccountID
	case "user_id":
		return r.User.UserID
	case "agent_id":
		return r.User.AgentID
	case "user":
		return r.User.AccountID + "/" + r.User.UserID + "/" + r.User.AgentID
	default:
		if r.Fields == nil {
			return nil
		}
		return r.Fields[field]
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func looseEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// Matches evaluates the filter against a record. A nil filter matches
// everything.
func (f *Filter) Matches(r *Record) bool {
	if f == nil {
		return true
	}
	switch f.Op {
	case OpAnd:
		for _, c := range f.Children {
			if !c.Matches(r) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range f.Children {
			if c.Matches(r) {
				return true
			}
		}
		return false
	case OpEq:
		return looseEqual(fieldValue(r, f.Field), f.Value)
	case OpNe:
		return !looseEqual(fieldValue(r, f.Field), f.Value)
	case OpIn:
		v := fieldValue(r, f.Field)
		for _, candidate := range f.Values {
			if looseEqual(v, candidate) {
				return true
			}
		}
		return false
	case OpPrefix:
		s, ok := fieldValue(r, f.Field).(string)
		if !ok {
			return false
		}
		prefix, ok := f.Value.(string)
		if !ok {
			return false
		}
		return strings.HasPrefix(s, prefix)
	case OpRange:
		v, ok := asFloat(fieldValue(r, f.Field))
		if !ok {
			return false
		}
		if f.GTE != nil && v < *f.GTE {
			return false
		}
		if f.LTE != nil && v > *f.LTE {
			return false
		}
		return true
	default:
		return false
	}
}

// Validate checks the filter tree for unknown ops and malformed leaves.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	switch f.Op {
	case OpAnd, OpOr:
		if len(f.Children) == 0 {
			return fmt.Errorf("%s filter requires children", f.Op)
		}
		for _, c := range f.Children {
			if err := c.Validate(); err != nil {
				return err
			}
		}
		return nil
	case OpEq, OpNe, OpPrefix:
		if f.Field == "" {
			return fmt.Errorf("%s filter requires a field", f.Op)
		}
		return nil
	case OpIn:
		if f.Field == "" || len(f.Values) == 0 {
			return fmt.Errorf("in filter requires a field and values")
		}
		return nil
	case OpRange:
		if f.Field == "" || (f.GTE == nil && f.LTE == nil) {
			return fmt.Errorf("range filter requires a field and at least one bound")
		}
		return nil
	default:
		return fmt.Errorf("unknown filter op %q", f.Op)
	}
}
