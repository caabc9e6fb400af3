package store

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
)

// Metadata is a free-form JSON object stored in a TEXT column.
type Metadata map[string]any

// Value implements driver.Valuer. Empty maps are stored as NULL.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	*m = nil
	raw, ok := textOf(src)
	if !ok || raw == "" {
		return nil
	}
	out := Metadata{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}
	*m = out
	return nil
}

// Merge returns a copy of m with patch applied. A nil value in patch deletes
// the key.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := make(Metadata, len(m)+len(patch))
	maps.Copy(out, m)
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// NodeMeta is a thought node's metadata. Circuit breaking and budget
// extension read and write the typed fields; any other keys pass through
// Extra untouched.
type NodeMeta struct {
	CircuitBroken      bool
	CircuitBreakReason string
	CircuitBrokenAt    int64
	DepthBudget        int
	TokenBudget        int
	BudgetExtensions   int
	Extra              Metadata
}

const (
	metaCircuitBroken    = "circuit_broken"
	metaBreakReason      = "circuit_break_reason"
	metaBrokenAt         = "circuit_broken_at"
	metaDepthBudget      = "depth_budget"
	metaTokenBudget      = "token_budget"
	metaBudgetExtensions = "budget_extensions"
)

var nodeMetaKeys = []string{
	metaCircuitBroken, metaBreakReason, metaBrokenAt,
	metaDepthBudget, metaTokenBudget, metaBudgetExtensions,
}

func (n NodeMeta) toMap() Metadata {
	out := make(Metadata, len(n.Extra)+6)
	maps.Copy(out, n.Extra)
	if n.CircuitBroken {
		out[metaCircuitBroken] = true
	}
	if n.CircuitBreakReason != "" {
		out[metaBreakReason] = n.CircuitBreakReason
	}
	if n.CircuitBrokenAt != 0 {
		out[metaBrokenAt] = n.CircuitBrokenAt
	}
	if n.DepthBudget != 0 {
		out[metaDepthBudget] = n.DepthBudget
	}
	if n.TokenBudget != 0 {
		out[metaTokenBudget] = n.TokenBudget
	}
	if n.BudgetExtensions != 0 {
		out[metaBudgetExtensions] = n.BudgetExtensions
	}
	return out
}

func (n *NodeMeta) fromMap(m Metadata) {
	*n = NodeMeta{}
	if b, ok := m[metaCircuitBroken].(bool); ok {
		n.CircuitBroken = b
	}
	if s, ok := m[metaBreakReason].(string); ok {
		n.CircuitBreakReason = s
	}
	n.CircuitBrokenAt = int64(number(m[metaBrokenAt]))
	n.DepthBudget = int(number(m[metaDepthBudget]))
	n.TokenBudget = int(number(m[metaTokenBudget]))
	n.BudgetExtensions = int(number(m[metaBudgetExtensions]))

	for k, v := range m {
		if isNodeMetaKey(k) {
			continue
		}
		if n.Extra == nil {
			n.Extra = Metadata{}
		}
		n.Extra[k] = v
	}
}

func isNodeMetaKey(k string) bool {
	for _, known := range nodeMetaKeys {
		if k == known {
			return true
		}
	}
	return false
}

// number converts a decoded JSON number (float64) or Go integer to float64.
func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

// Merge applies a free-form patch on top of the typed fields.
func (n NodeMeta) Merge(patch Metadata) NodeMeta {
	var out NodeMeta
	out.fromMap(n.toMap().Merge(patch))
	return out
}

func (n NodeMeta) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(n.toMap()))
}

func (n *NodeMeta) UnmarshalJSON(b []byte) error {
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	n.fromMap(m)
	return nil
}

func (n NodeMeta) Value() (driver.Value, error) {
	return n.toMap().Value()
}

func (n *NodeMeta) Scan(src any) error {
	var m Metadata
	if err := m.Scan(src); err != nil {
		return err
	}
	n.fromMap(m)
	return nil
}

// textOf extracts a TEXT column value from what the driver hands Scan.
func textOf(src any) (string, bool) {
	switch v := src.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

// jsonList stores a slice as a JSON array in a TEXT column.
type jsonList[T any] []T

func (l jsonList[T]) Value() (driver.Value, error) {
	if len(l) == 0 {
		return nil, nil
	}
	b, err := json.Marshal([]T(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *jsonList[T]) Scan(src any) error {
	*l = nil
	raw, ok := textOf(src)
	if !ok || raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), (*[]T)(l))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
