package table

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/astraecs/engine/catalog"
)

func TestKeysLayout(t *testing.T) {
	comp := catalog.Component{Namespace: "game", Name: "Position", Columns: []catalog.Column{
		{Name: "x", Type: catalog.TypeInt32},
	}}
	k := NewKeys(comp, 7)

	assert.Equal(t, "game:Position:{CLU 7}:id:42", k.RowKey(42))
	assert.Equal(t, "game:Position:{CLU 7}:index:x", k.IndexKey("x"))
	assert.Equal(t, "game.Position", k.Channel())
}

func TestEncodeMemberNumeric(t *testing.T) {
	col := catalog.Column{Name: "hp", Type: catalog.TypeInt32, Index: true}
	score, member := EncodeMember(col, 9, int32(100))
	assert.Equal(t, float64(100), score)
	assert.Equal(t, "9", member)
}

func TestEncodeMemberString(t *testing.T) {
	col := catalog.Column{Name: "name", Type: catalog.TypeString, Unique: true}
	score, member := EncodeMember(col, 9, "alice")
	assert.Equal(t, float64(0), score)
	assert.Equal(t, "alice:9", member)
}
