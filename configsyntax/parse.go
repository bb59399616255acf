package configsyntax

import (
	"math/big"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

// Parse lexes and parses an LVM2 textual metadata document into a Node tree.
// The top level is always a Struct: one field per top-level "key = value"
// or "key { ... }" item.
func Parse(src []byte, filename string) (Node, error) {
	file, diags := hclsyntax.ParseConfig(src, filename, hcl.InitialPos)
	if diags.HasErrors() {
		return Node{}, vgerrors.NewMsg("configsyntax: %s", diags.Error())
	}
	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return Node{}, vgerrors.NewMsg("configsyntax: unexpected body type %T", file.Body)
	}
	return bodyToNode(body)
}

func bodyToNode(body *hclsyntax.Body) (Node, error) {
	fields, err := bodyFields(body)
	if err != nil {
		return Node{}, err
	}
	return Struct(fields...), nil
}

// bodyFields converts an hclsyntax body's attributes and nested blocks into
// Fields, preserving each item's source order by merging the two by start
// byte offset (hclsyntax keeps attributes in a map but each attribute and
// block records its own source range).
func bodyFields(body *hclsyntax.Body) ([]Field, error) {
	type ordered struct {
		offset int
		field  Field
	}
	var items []ordered

	for name, attr := range body.Attributes {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, vgerrors.NewMsg("configsyntax: %s: %s", name, diags.Error())
		}
		n, err := ctyToNode(val, name)
		if err != nil {
			return nil, err
		}
		items = append(items, ordered{
			offset: attr.SrcRange.Start.Byte,
			field:  Field{Key: name, Value: n},
		})
	}

	for _, block := range body.Blocks {
		inner, err := bodyToNode(block.Body)
		if err != nil {
			return nil, err
		}
		items = append(items, ordered{
			offset: block.TypeRange.Start.Byte,
			field:  Field{Key: block.Type, Value: inner},
		})
	}

	// stable sort by source position
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].offset < items[j-1].offset; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}

	fields := make([]Field, len(items))
	for i, it := range items {
		fields[i] = it.field
	}
	return fields, nil
}

func ctyToNode(val cty.Value, ctx string) (Node, error) {
	if val.IsNull() {
		return Node{}, vgerrors.NewMsg("configsyntax: %s: unexpected null value", ctx)
	}
	t := val.Type()
	switch {
	case t == cty.String:
		return String(val.AsString()), nil
	case t == cty.Number:
		bf := val.AsBigFloat()
		i, acc := bf.Int64()
		if acc != big.Exact {
			return Node{}, vgerrors.NewMsg("configsyntax: %s: expected integer, got %s", ctx, bf.String())
		}
		return Int(i), nil
	case t.IsTupleType() || t.IsListType():
		var elems []Node
		it := val.ElementIterator()
		i := 0
		for it.Next() {
			_, ev := it.Element()
			n, err := ctyToNode(ev, ctx)
			if err != nil {
				return Node{}, err
			}
			elems = append(elems, n)
			i++
		}
		return Array(elems...), nil
	default:
		return Node{}, vgerrors.NewMsg("configsyntax: %s: unsupported value type %s", ctx, t.FriendlyName())
	}
}
