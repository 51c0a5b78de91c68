package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraecs/engine/infrastructure/errors"
)

func hpComponent() Component {
	return Component{
		Namespace: "game",
		Name:      "HP",
		Columns: []Column{
			{Name: "owner", Type: TypeInt64, Unique: true},
			{Name: "value", Type: TypeInt32},
		},
		Permission: PermissionUser,
		Backend:    BackendMemory,
	}
}

func TestRegistryRegisterIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(hpComponent()))
	require.NoError(t, r.Register(hpComponent()))

	cat := r.Build()
	comp, ok := cat.Lookup("game", "HP")
	require.True(t, ok)
	assert.Equal(t, PermissionUser, comp.Permission)
}

func TestRegistryConflictingRedefinitionFails(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(hpComponent()))

	conflicting := hpComponent()
	conflicting.Permission = PermissionAdmin
	err := r.Register(conflicting)

	require.Error(t, err)
	engErr := errors.As(err)
	require.NotNil(t, engErr)
	assert.Equal(t, errors.CodeSchemaConflict, engErr.Code)
}

func TestRegistryRejectsUnknownColumnType(t *testing.T) {
	r := NewRegistry()
	bad := hpComponent()
	bad.Columns = append(bad.Columns, Column{Name: "weird", Type: "nonsense"})

	err := r.Register(bad)
	assert.Error(t, err)
}

func TestRegistryRejectsOutOfRangeDefault(t *testing.T) {
	r := NewRegistry()
	bad := hpComponent()
	bad.Columns = append(bad.Columns, Column{Name: "tier", Type: TypeInt8, Default: int32(200)})

	err := r.Register(bad)
	assert.Error(t, err)
}

func TestRegistryOwnerPermissionRequiresOwnerColumn(t *testing.T) {
	r := NewRegistry()
	bad := Component{
		Namespace:  "game",
		Name:       "Position",
		Columns:    []Column{{Name: "x", Type: TypeFloat32}},
		Permission: PermissionOwner,
	}
	assert.Error(t, r.Register(bad))
}

func TestCatalogIterateByNamespace(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(hpComponent()))
	require.NoError(t, r.Register(Component{
		Namespace:  "game",
		Name:       "Position",
		Columns:    []Column{{Name: "x", Type: TypeFloat32, Index: true}},
		Permission: PermissionEverybody,
	}))

	cat := r.Build()
	comps := cat.Iterate("game")
	assert.Len(t, comps, 2)

	assert.Empty(t, cat.Iterate("other"))
}

func TestComponentCompatibleAdditiveEvolution(t *testing.T) {
	base := hpComponent()
	evolved := hpComponent()
	evolved.Columns = append(evolved.Columns, Column{Name: "shield", Type: TypeInt32, Index: true})

	ok, reason := base.compatible(evolved)
	assert.True(t, ok, reason)
}

func TestComponentIncompatibleTypeChange(t *testing.T) {
	base := hpComponent()
	retyped := hpComponent()
	retyped.Columns[1].Type = TypeInt64

	ok, reason := base.compatible(retyped)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestComponentIncompatibleColumnRemoved(t *testing.T) {
	base := hpComponent()
	trimmed := hpComponent()
	trimmed.Columns = trimmed.Columns[:1]

	ok, _ := base.compatible(trimmed)
	assert.False(t, ok)
}
