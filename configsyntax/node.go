// Package configsyntax lexes, parses, and emits the LVM2 textual metadata
// format: a small subset of HCL's native syntax (bare IDENT keys, '=' valued
// attributes, '{'-nested blocks, '[' arrays, '#' line comments). Parsing is
// done with hashicorp/hcl/v2's hclsyntax parser and zclconf/go-cty value
// model rather than a hand-rolled lexer, since the grammars coincide closely
// enough (see SPEC_FULL.md's DOMAIN STACK section).
package configsyntax

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

// Node is the generic value tree produced by Parse and consumed by Emit.
type Node struct {
	kind   kind
	i      int64
	s      string
	arr    []Node
	fields []Field
}

// Field is one key/value pair of a Struct node, in source order.
type Field struct {
	Key   string
	Value Node
}

type kind int

const (
	kindInt kind = iota
	kindString
	kindArray
	kindStruct
)

func Int(v int64) Node    { return Node{kind: kindInt, i: v} }
func String(v string) Node { return Node{kind: kindString, s: v} }
func Array(vs ...Node) Node {
	return Node{kind: kindArray, arr: append([]Node(nil), vs...)}
}
func Struct(fields ...Field) Node {
	return Node{kind: kindStruct, fields: append([]Field(nil), fields...)}
}

func (n Node) IsInt() bool    { return n.kind == kindInt }
func (n Node) IsString() bool { return n.kind == kindString }
func (n Node) IsArray() bool  { return n.kind == kindArray }
func (n Node) IsStruct() bool { return n.kind == kindStruct }

// AsString returns the string value, or an error if n is not a String.
func (n Node) AsString() (string, error) {
	if !n.IsString() {
		return "", vgerrors.NewMsg("expected string, got %s", n.kindName())
	}
	return n.s, nil
}

// AsInt returns the integer value, or an error if n is not an Int.
func (n Node) AsInt() (int64, error) {
	if !n.IsInt() {
		return 0, vgerrors.NewMsg("expected int, got %s", n.kindName())
	}
	return n.i, nil
}

// Elements returns the elements of an Array node.
func (n Node) Elements() ([]Node, error) {
	if !n.IsArray() {
		return nil, vgerrors.NewMsg("expected array, got %s", n.kindName())
	}
	return n.arr, nil
}

// path is a human-readable dotted path used to annotate accessor errors,
// e.g. "vg.logical_volumes.lv0.segment1.start_extent".
type path string

func (p path) field(name string) path {
	if p == "" {
		return path(name)
	}
	return path(string(p) + "." + name)
}

func (p path) index(i int) path {
	return path(fmt.Sprintf("%s[%d]", p, i))
}

// ExpectStruct asserts n is a Struct and returns it (with context for
// subsequent accessor errors).
func (n Node) ExpectStruct(ctx string) (StructView, error) {
	if !n.IsStruct() {
		return StructView{}, vgerrors.NewMsg("%s: expected struct, got %s", ctx, n.kindName())
	}
	return StructView{node: n, ctx: path(ctx)}, nil
}

func (n Node) kindName() string {
	switch n.kind {
	case kindInt:
		return "int"
	case kindString:
		return "string"
	case kindArray:
		return "array"
	case kindStruct:
		return "struct"
	}
	return "unknown"
}

// StructView is a Struct node bound to a context path, used for the
// expect_mapped_* family of accessors.
type StructView struct {
	node Node
	ctx  path
}

func (sv StructView) Node() Node { return sv.node }

func (sv StructView) lookup(key string) (Node, bool) {
	for _, f := range sv.node.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Node{}, false
}

// Has reports whether key is present.
func (sv StructView) Has(key string) bool {
	_, ok := sv.lookup(key)
	return ok
}

// Get returns the raw value node for key, or an error naming the full path.
func (sv StructView) Get(key string) (Node, error) {
	v, ok := sv.lookup(key)
	if !ok {
		return Node{}, vgerrors.NewMsg("%s: missing key %q", sv.ctx, key)
	}
	return v, nil
}

// ExpectMappedString returns the string value of key.
func (sv StructView) ExpectMappedString(key string) (string, error) {
	v, err := sv.Get(key)
	if err != nil {
		return "", err
	}
	if !v.IsString() {
		return "", vgerrors.NewMsg("%s: key %q: expected string, got %s", sv.ctx, key, v.kindName())
	}
	return v.s, nil
}

// ExpectMappedInt returns the integer value of key.
func (sv StructView) ExpectMappedInt(key string) (int64, error) {
	v, err := sv.Get(key)
	if err != nil {
		return 0, err
	}
	if !v.IsInt() {
		return 0, vgerrors.NewMsg("%s: key %q: expected int, got %s", sv.ctx, key, v.kindName())
	}
	return v.i, nil
}

// ExpectMappedArray returns the raw elements of key.
func (sv StructView) ExpectMappedArray(key string) ([]Node, error) {
	v, err := sv.Get(key)
	if err != nil {
		return nil, err
	}
	if !v.IsArray() {
		return nil, vgerrors.NewMsg("%s: key %q: expected array, got %s", sv.ctx, key, v.kindName())
	}
	return v.arr, nil
}

// ExpectMappedStruct returns the nested struct at key, bound to the deeper
// context path.
func (sv StructView) ExpectMappedStruct(key string) (StructView, error) {
	v, err := sv.Get(key)
	if err != nil {
		return StructView{}, err
	}
	return v.ExpectStruct(string(sv.ctx.field(key)))
}

// MapExpectedMappedArray maps fn over every element of the array at key,
// threading an indexed context path through for error messages.
func MapExpectedMappedArray[T any](sv StructView, key string, fn func(ctx string, elem Node) (T, error)) ([]T, error) {
	elems, err := sv.ExpectMappedArray(key)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(elems))
	base := sv.ctx.field(key)
	for i, e := range elems {
		v, err := fn(string(base.index(i)), e)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Fields returns the struct's fields in source order.
func (sv StructView) Fields() []Field { return sv.node.fields }

// --- Emit ---

// Emit renders n in LVM2 textual form: structs as `key {\n...\n}`,
// attributes as `key = value`, strings quoted with backslash escapes,
// integers bare, arrays bracketed and comma-separated. Each nesting level
// is indented by one tab, matching the format real LVM2 tools emit.
func Emit(n Node) string {
	var b strings.Builder
	emitStructBody(&b, n, 0)
	return b.String()
}

// EmitField renders a single top-level "key { ... }" or "key = value" line,
// used by the VG emitter which controls field ordering explicitly (see
// vg package).
func EmitField(b *strings.Builder, key string, v Node, indent int) {
	pad := strings.Repeat("\t", indent)
	switch v.kind {
	case kindStruct:
		fmt.Fprintf(b, "%s%s {\n", pad, key)
		emitStructBody(b, v, indent+1)
		fmt.Fprintf(b, "%s}\n", pad)
	default:
		fmt.Fprintf(b, "%s%s = %s\n", pad, key, emitValue(v))
	}
}

func emitStructBody(b *strings.Builder, n Node, indent int) {
	for _, f := range n.fields {
		EmitField(b, f.Key, f.Value, indent)
	}
}

func emitValue(v Node) string {
	switch v.kind {
	case kindInt:
		return strconv.FormatInt(v.i, 10)
	case kindString:
		return quoteString(v.s)
	case kindArray:
		parts := make([]string, len(v.arr))
		for i, e := range v.arr {
			parts[i] = emitValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case kindStruct:
		// Structs are only ever emitted via EmitField (block form); a
		// struct appearing as an array element or bare value is a
		// programmer error in the caller.
		panic("configsyntax: struct value cannot be emitted inline")
	}
	return ""
}

func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// SortedKeys is a small helper used by callers that build a Struct from a
// map and want deterministic (if not semantically required) output order.
func SortedKeys(m map[string]Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
