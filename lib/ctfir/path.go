package ctfir

import (
	"fmt"
	"strings"
)

// Scope is one of the fixed dynamic scopes of a CTF packet, in decoding
// order.
type Scope int

const (
	ScopePacketHeader Scope = iota
	ScopePacketContext
	ScopeEventHeader
	ScopeEventCommonContext
	ScopeEventSpecificContext
	ScopeEventPayload
)

// NumScopes is the number of dynamic scopes.
const NumScopes = int(ScopeEventPayload) + 1

// TSDL prefixes of absolute field paths.
var scopePrefixes = [...]string{
	ScopePacketHeader:         "trace.packet.header",
	ScopePacketContext:        "stream.packet.context",
	ScopeEventHeader:          "stream.event.header",
	ScopeEventCommonContext:   "stream.event.context",
	ScopeEventSpecificContext: "event.context",
	ScopeEventPayload:         "event.fields",
}

func (s Scope) String() string {
	if s >= 0 && int(s) < len(scopePrefixes) {
		return scopePrefixes[s]
	}
	return fmt.Sprintf("Scope(%d)", int(s))
}

// FieldPath locates a field from the root of a scope. Each index selects a
// structure member, an array or sequence element, or (for a variant) is
// ignored in favour of the selected option.
type FieldPath struct {
	Root    Scope
	Indexes []int
}

func (p FieldPath) String() string {
	var sb strings.Builder
	sb.WriteString(p.Root.String())
	for _, i := range p.Indexes {
		fmt.Fprintf(&sb, "[%d]", i)
	}
	return sb.String()
}

// SplitPath splits an absolute TSDL path such as "event.fields.len" into its
// scope and member names.
func SplitPath(path string) (Scope, []string, error) {
	for i, prefix := range scopePrefixes {
		if path == prefix {
			return Scope(i), nil, nil
		}
		if rest, ok := strings.CutPrefix(path, prefix+"."); ok {
			return Scope(i), strings.Split(rest, "."), nil
		}
	}
	return 0, nil, fmt.Errorf("path %q is not rooted in a dynamic scope", path)
}

// ResolveNames converts member names into a FieldPath, walking structures of
// the scope's root type.
func ResolveNames(root Scope, rootType FieldType, names []string) (FieldPath, error) {
	path := FieldPath{Root: root}
	current := rootType
	for _, name := range names {
		st, ok := current.(*StructType)
		if !ok {
			return FieldPath{}, fmt.Errorf("%s: cannot look up %q in a %v", root, name, kindOf(current))
		}
		index := st.MemberIndex(name)
		if index < 0 {
			return FieldPath{}, fmt.Errorf("%s: no member named %q", root, name)
		}
		path.Indexes = append(path.Indexes, index)
		current = st.Members[index].Type
	}
	return path, nil
}

// Lookup follows the path from a decoded scope root.
func (p FieldPath) Lookup(root Field) (Field, error) {
	if root == nil {
		return nil, fmt.Errorf("%s: scope is not decoded", p)
	}
	current := root
	for depth, index := range p.Indexes {
		compound, ok := current.(CompoundField)
		if !ok {
			return nil, fmt.Errorf("%s: element %d is not a compound field", p, depth)
		}
		child := compound.Child(index)
		if child == nil {
			return nil, fmt.Errorf("%s: element %d has no child %d", p, depth, index)
		}
		current = child
	}
	return current, nil
}

func kindOf(ft FieldType) string {
	if ft == nil {
		return "missing type"
	}
	return ft.Kind().String()
}
