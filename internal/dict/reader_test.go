package dict

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-fabric/internal/fabricerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReader() *Reader {
	return NewReader(&MockConn{}, NewPool(2), zerolog.Nop())
}

func TestTableFields(t *testing.T) {
	r := newTestReader()

	fields, err := r.TableFields(context.Background(), "mara")
	require.NoError(t, err)
	require.NotEmpty(t, fields)

	byName := map[string]FieldInfo{}
	for _, f := range fields {
		byName[f.FieldName] = f
	}
	assert.True(t, byName["MATNR"].IsKey)
	assert.Equal(t, "MATN1", byName["MATNR"].ConversionRoutine)
	assert.Equal(t, "T134", byName["MTART"].CheckTable)
	assert.Equal(t, "GEWEI", byName["BRGEW"].RefField)
}

func TestTableFieldsUnknownTable(t *testing.T) {
	r := newTestReader()
	_, err := r.TableFields(context.Background(), "ZZUNKNOWN")
	require.Error(t, err)
	assert.Equal(t, fabricerr.KindObjectNotFound, fabricerr.KindOf(err))
}

func TestTableDescription(t *testing.T) {
	r := newTestReader()
	desc, err := r.Table(context.Background(), "KNA1")
	require.NoError(t, err)
	assert.Equal(t, "General Data in Customer Master", desc.Description)
	assert.Equal(t, "TRANSP", desc.TableClass)
}

func TestForeignKeyDiscovery(t *testing.T) {
	r := newTestReader()

	fks, err := r.ForeignKeys(context.Background(), "MARA")
	require.NoError(t, err)
	assert.Equal(t, "MARA", fks.Table)

	relByTarget := map[string]Relation{}
	for _, rel := range fks.Relations {
		relByTarget[rel.Target] = rel
	}
	require.Contains(t, relByTarget, "T134")
	require.Contains(t, relByTarget, "T023")
	assert.Equal(t, RelationCheck, relByTarget["T134"].Type)
	assert.Equal(t, []FieldPair{{From: "MTART", To: "MTART"}}, relByTarget["T134"].Fields)

	require.Len(t, fks.TextTables, 1)
	text := fks.TextTables[0]
	assert.Equal(t, "MAKT", text.Table)
	assert.Equal(t, "SPRAS", text.LanguageField, "language field found from the text table's LANG column")
	assert.Equal(t, []FieldPair{{From: "MATNR", To: "MATNR"}}, text.Fields)
}

func TestForeignKeysInlineCheckTableWithoutAssociation(t *testing.T) {
	// T001.WAERS names TCURC as check table in the field list; the
	// association row also exists, but KNA1-style inline-only references
	// must still surface.
	conn := &MockConn{Extra: map[string][]map[string]string{
		"DD03L": {{"TABNAME": "ZCUST", "FIELDNAME": "LAND1", "CHECKTABLE": "T005", "KEYFLAG": "", "DATATYPE": "CHAR"}},
	}}
	r := NewReader(conn, nil, zerolog.Nop())

	fks, err := r.ForeignKeys(context.Background(), "ZCUST")
	require.NoError(t, err)
	require.Len(t, fks.Relations, 1)
	assert.Equal(t, "T005", fks.Relations[0].Target)
	assert.Equal(t, RelationCheck, fks.Relations[0].Type)
}

func TestRelationshipGraphDepthValidation(t *testing.T) {
	r := newTestReader()
	for _, depth := range []int{0, -1, 6} {
		_, err := r.RelationshipGraph(context.Background(), "MARA", depth)
		require.Error(t, err, depth)
		assert.Equal(t, fabricerr.KindConfiguration, fabricerr.KindOf(err))
	}
}

func TestRelationshipGraphDepthOne(t *testing.T) {
	r := newTestReader()

	graph, err := r.RelationshipGraph(context.Background(), "MARA", 1)
	require.NoError(t, err)
	require.Contains(t, graph, "MARA")
	assert.NotContains(t, graph, "T134", "depth 1 does not expand neighbours")

	targets := map[string]RelationType{}
	for _, rel := range graph["MARA"] {
		targets[rel.Target] = rel.Type
	}
	assert.Equal(t, RelationCheck, targets["T134"])
	assert.Equal(t, RelationCheck, targets["T023"])
	assert.Equal(t, RelationText, targets["MAKT"])
}

func TestRelationshipGraphExpandsAndCutsCycles(t *testing.T) {
	r := newTestReader()

	// MAKT points back at MARA; the visited set must stop the cycle.
	graph, err := r.RelationshipGraph(context.Background(), "MARA", 5)
	require.NoError(t, err)

	assert.Contains(t, graph, "MARA")
	assert.Contains(t, graph, "MAKT")
	assert.Contains(t, graph, "T134")
	for table := range graph {
		assert.NotEmpty(t, table)
	}
}

func TestDomainValues(t *testing.T) {
	r := newTestReader()

	values, err := r.DomainValues(context.Background(), "MTART")
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, DomainValue{Value: "ROH", Description: "Raw materials"}, values[0])
}

func TestDataElement(t *testing.T) {
	r := newTestReader()

	info, err := r.DataElement(context.Background(), "MATNR")
	require.NoError(t, err)
	assert.Equal(t, "MATNR", info.Domain)
	assert.Equal(t, "CHAR", info.DataType)
	assert.Equal(t, 18, info.Length)
	require.Contains(t, info.Texts, "E")
	assert.Equal(t, "Material Number", info.Texts["E"].Long)
}

func TestDataElementNotFound(t *testing.T) {
	r := newTestReader()
	_, err := r.DataElement(context.Background(), "ZNOPE")
	require.Error(t, err)
	assert.Equal(t, fabricerr.KindObjectNotFound, fabricerr.KindOf(err))
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	ctx := context.Background()

	require.NoError(t, p.Acquire(ctx))
	require.NoError(t, p.Acquire(ctx))
	assert.Equal(t, 2, p.InUse())

	// Third acquire blocks until a slot frees or the context expires.
	timed, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := p.Acquire(timed)
	require.Error(t, err)
	assert.Equal(t, fabricerr.KindCancelled, fabricerr.KindOf(err))

	p.Release()
	require.NoError(t, p.Acquire(ctx))

	// Releasing more than held is tolerated.
	p.Release()
	p.Release()
	p.Release()
	assert.Equal(t, 0, p.InUse())
}
