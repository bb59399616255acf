package configsyntax_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonjbeaumont/mirage-block-volume/configsyntax"
)

const sample = `
myvg {
	id = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	seqno = 3
	status = ["RESIZEABLE", "READ", "WRITE"]
	extent_size = 8192

	physical_volumes {
		pv0 {
			id = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
			device = "/dev/sda1"
			pe_start = 2048
			pe_count = 13
		}
	}
}
`

func TestParseTopLevel(t *testing.T) {
	n, err := configsyntax.Parse([]byte(sample), "test.cfg")
	require.NoError(t, err)

	root, err := n.ExpectStruct("root")
	require.NoError(t, err)
	require.True(t, root.Has("myvg"))

	vg, err := root.ExpectMappedStruct("myvg")
	require.NoError(t, err)

	id, err := vg.ExpectMappedString("id")
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", id)

	seqno, err := vg.ExpectMappedInt("seqno")
	require.NoError(t, err)
	assert.EqualValues(t, 3, seqno)

	status, err := vg.ExpectMappedArray("status")
	require.NoError(t, err)
	require.Len(t, status, 3)
	assert.True(t, status[0].IsString())

	pvs, err := vg.ExpectMappedStruct("physical_volumes")
	require.NoError(t, err)
	pv0, err := pvs.ExpectMappedStruct("pv0")
	require.NoError(t, err)
	peCount, err := pv0.ExpectMappedInt("pe_count")
	require.NoError(t, err)
	assert.EqualValues(t, 13, peCount)
}

func TestExpectMappedStringWrongType(t *testing.T) {
	n, err := configsyntax.Parse([]byte(sample), "test.cfg")
	require.NoError(t, err)
	root, err := n.ExpectStruct("root")
	require.NoError(t, err)
	vg, err := root.ExpectMappedStruct("myvg")
	require.NoError(t, err)

	_, err = vg.ExpectMappedString("seqno")
	assert.Error(t, err)
}

func TestEmitRoundTrip(t *testing.T) {
	doc := configsyntax.Struct(
		configsyntax.Field{Key: "myvg", Value: configsyntax.Struct(
			configsyntax.Field{Key: "id", Value: configsyntax.String("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")},
			configsyntax.Field{Key: "seqno", Value: configsyntax.Int(3)},
			configsyntax.Field{Key: "status", Value: configsyntax.Array(
				configsyntax.String("RESIZEABLE"), configsyntax.String("READ"),
			)},
		)},
	)
	text := configsyntax.Emit(doc)

	reparsed, err := configsyntax.Parse([]byte(text), "roundtrip.cfg")
	require.NoError(t, err)

	root, err := reparsed.ExpectStruct("root")
	require.NoError(t, err)
	vg, err := root.ExpectMappedStruct("myvg")
	require.NoError(t, err)
	seqno, err := vg.ExpectMappedInt("seqno")
	require.NoError(t, err)
	assert.EqualValues(t, 3, seqno)
}

func TestMapExpectedMappedArray(t *testing.T) {
	n, err := configsyntax.Parse([]byte(sample), "test.cfg")
	require.NoError(t, err)
	root, err := n.ExpectStruct("root")
	require.NoError(t, err)
	vg, err := root.ExpectMappedStruct("myvg")
	require.NoError(t, err)

	strs, err := configsyntax.MapExpectedMappedArray(vg, "status", func(ctx string, elem configsyntax.Node) (string, error) {
		return elem.AsString()
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"RESIZEABLE", "READ", "WRITE"}, strs)
}
