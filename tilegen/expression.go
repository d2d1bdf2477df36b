package tilegen

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Expression is a boolean filter over source features, used by profiles
// to decide what to emit. Expressions form a closed sum type and support
// structural simplification.
type Expression interface {
	// Evaluate reports whether the feature matches. Keys of tags that
	// participated in the match are appended to matchKeys when non-nil.
	Evaluate(f *SourceFeature, matchKeys *[]string) bool
	simplifyOnce() Expression
	fmt.Stringer
}

// Simplify applies simplification rules (constant folding, flattening,
// double negation, De Morgan) until a fixed point.
func Simplify(e Expression) Expression {
	for i := 0; i < 100; i++ {
		next := e.simplifyOnce()
		if reflect.DeepEqual(next, e) {
			return next
		}
		e = next
	}
	return e
}

// Const matches everything (true) or nothing (false).
type Const bool

// And matches when every child matches.
type And struct{ Children []Expression }

// Or matches when any child matches.
type Or struct{ Children []Expression }

// Not inverts its child. Match keys of the child are discarded.
type Not struct{ Child Expression }

// MatchAny matches when the field's value is any of Values. A value
// ending in "%" matches by prefix.
type MatchAny struct {
	Field  string
	Values []string
}

// MatchField matches when the field has any value.
type MatchField struct{ Field string }

// MatchSource matches the feature's source name.
type MatchSource struct{ Source string }

// MatchSourceLayer matches the feature's source layer.
type MatchSourceLayer struct{ Layer string }

// MatchGeometryType matches "point", "line" or "polygon".
type MatchGeometryType struct{ Type string }

func (c Const) Evaluate(*SourceFeature, *[]string) bool { return bool(c) }
func (c Const) simplifyOnce() Expression                { return c }
func (c Const) String() string                          { return strconv.FormatBool(bool(c)) }

func (a And) Evaluate(f *SourceFeature, matchKeys *[]string) bool {
	for _, child := range a.Children {
		if !child.Evaluate(f, matchKeys) {
			return false
		}
	}
	return true
}

func (a And) simplifyOnce() Expression {
	children := make([]Expression, 0, len(a.Children))
	for _, c := range a.Children {
		c = c.simplifyOnce()
		switch cc := c.(type) {
		case Const:
			if !cc {
				return Const(false)
			}
			// true contributes nothing
		case And:
			children = append(children, cc.Children...)
		default:
			children = append(children, c)
		}
	}
	if len(children) == 0 {
		return Const(true)
	}
	if len(children) == 1 {
		return children[0]
	}
	return And{children}
}

func (a And) String() string { return joinExprs("and", a.Children) }

func (o Or) Evaluate(f *SourceFeature, matchKeys *[]string) bool {
	for _, child := range o.Children {
		if child.Evaluate(f, matchKeys) {
			return true
		}
	}
	return false
}

func (o Or) simplifyOnce() Expression {
	children := make([]Expression, 0, len(o.Children))
	for _, c := range o.Children {
		c = c.simplifyOnce()
		switch cc := c.(type) {
		case Const:
			if cc {
				return Const(true)
			}
		case Or:
			children = append(children, cc.Children...)
		default:
			children = append(children, c)
		}
	}
	if len(children) == 0 {
		return Const(false)
	}
	if len(children) == 1 {
		return children[0]
	}
	return Or{children}
}

func (o Or) String() string { return joinExprs("or", o.Children) }

func (n Not) Evaluate(f *SourceFeature, _ *[]string) bool {
	return !n.Child.Evaluate(f, nil)
}

func (n Not) simplifyOnce() Expression {
	switch c := n.Child.(type) {
	case Const:
		return Const(!c)
	case Not:
		return c.Child.simplifyOnce()
	case Or:
		// De Morgan
		children := make([]Expression, len(c.Children))
		for i, cc := range c.Children {
			children[i] = Not{cc}
		}
		return And{children}
	case And:
		children := make([]Expression, len(c.Children))
		for i, cc := range c.Children {
			children[i] = Not{cc}
		}
		return Or{children}
	}
	return Not{n.Child.simplifyOnce()}
}

func (n Not) String() string { return "not(" + n.Child.String() + ")" }

func (m MatchAny) Evaluate(f *SourceFeature, matchKeys *[]string) bool {
	raw := f.GetTag(m.Field)
	if raw == nil {
		return false
	}
	value := tagString(raw)
	for _, v := range m.Values {
		var matched bool
		if strings.HasSuffix(v, "%") {
			matched = strings.HasPrefix(value, v[:len(v)-1])
		} else {
			matched = value == v
		}
		if matched {
			if matchKeys != nil {
				*matchKeys = append(*matchKeys, m.Field)
			}
			return true
		}
	}
	return false
}

func (m MatchAny) simplifyOnce() Expression {
	if len(m.Values) == 0 {
		return Const(false)
	}
	return m
}

func (m MatchAny) String() string {
	return fmt.Sprintf("match_any(%s, %s)", m.Field, strings.Join(m.Values, ","))
}

func (m MatchField) Evaluate(f *SourceFeature, matchKeys *[]string) bool {
	if f.HasTag(m.Field) {
		if matchKeys != nil {
			*matchKeys = append(*matchKeys, m.Field)
		}
		return true
	}
	return false
}

func (m MatchField) simplifyOnce() Expression { return m }
func (m MatchField) String() string           { return "match_field(" + m.Field + ")" }

func (m MatchSource) Evaluate(f *SourceFeature, _ *[]string) bool {
	return f.Source == m.Source
}

func (m MatchSource) simplifyOnce() Expression { return m }
func (m MatchSource) String() string           { return "match_source(" + m.Source + ")" }

func (m MatchSourceLayer) Evaluate(f *SourceFeature, _ *[]string) bool {
	return f.SourceLayer == m.Layer
}

func (m MatchSourceLayer) simplifyOnce() Expression { return m }
func (m MatchSourceLayer) String() string           { return "match_source_layer(" + m.Layer + ")" }

func (m MatchGeometryType) Evaluate(f *SourceFeature, _ *[]string) bool {
	return f.GeomTypeName() == m.Type
}

func (m MatchGeometryType) simplifyOnce() Expression { return m }
func (m MatchGeometryType) String() string           { return "match_geometry(" + m.Type + ")" }

func joinExprs(op string, children []Expression) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.String()
	}
	return op + "(" + strings.Join(parts, ", ") + ")"
}

func tagString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
