package catalog

import "fmt"

// Permission is the visibility class a component (or System) requires of a
// calling connection (§3).
type Permission int

const (
	PermissionEverybody Permission = iota
	PermissionUser
	PermissionOwner
	PermissionAdmin
)

func (p Permission) String() string {
	switch p {
	case PermissionEverybody:
		return "EVERYBODY"
	case PermissionUser:
		return "USER"
	case PermissionOwner:
		return "OWNER"
	case PermissionAdmin:
		return "ADMIN"
	default:
		return "UNKNOWN"
	}
}

// Satisfies reports whether a connection holding p may call something
// requiring the receiver permission class.
func (p Permission) Satisfies(required Permission) bool {
	return p >= required
}

// ParsePermission maps a config/wire string onto a Permission.
func ParsePermission(s string) (Permission, error) {
	switch s {
	case "EVERYBODY", "":
		return PermissionEverybody, nil
	case "USER":
		return PermissionUser, nil
	case "OWNER":
		return PermissionOwner, nil
	case "ADMIN":
		return PermissionAdmin, nil
	default:
		return 0, fmt.Errorf("catalog: unknown permission %q", s)
	}
}

// Persistence controls whether a component's rows survive a backend
// restart or are treated as ephemeral scratch state (§3).
type Persistence int

const (
	Persistent Persistence = iota
	Ephemeral
)

// BackendKind names which Backend Adapter variant a component is bound to.
type BackendKind string

const (
	BackendRedis  BackendKind = "redis"
	BackendMemory BackendKind = "memory"
)

// Component is the immutable schema of one ECS component table, registered
// once at startup (§3 "Component definition"). Two Components are
// considered the same identity only if namespace, name, permission and
// backend binding all match (§4.1 "changing them constitutes a new
// component and requires migration").
type Component struct {
	Namespace   string
	Name        string
	Columns     []Column
	Permission  Permission
	Persistence Persistence
	Backend     BackendKind
}

// FullName is the registry key: "namespace.name".
func (c Component) FullName() string { return c.Namespace + "." + c.Name }

// Column looks up a column definition by name.
func (c Component) Column(name string) (Column, bool) {
	for _, col := range c.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// IndexedColumns returns the subset of Columns that maintain an index,
// i.e. every column a row subscription or range query may address.
func (c Component) IndexedColumns() []Column {
	out := make([]Column, 0, len(c.Columns))
	for _, col := range c.Columns {
		if col.Indexed() {
			out = append(out, col)
		}
	}
	return out
}

// OwnerColumn returns the "owner" column backing OWNER-class permission
// filtering, and whether it is present (§3 "OWNER requires a column named
// owner of integer type").
func (c Component) OwnerColumn() (Column, bool) {
	col, ok := c.Column("owner")
	if !ok {
		return Column{}, false
	}
	return col, true
}

func (c Component) validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("catalog: component %q missing namespace", c.Name)
	}
	if c.Name == "" {
		return fmt.Errorf("catalog: component missing name in namespace %q", c.Namespace)
	}
	if c.Permission == PermissionOwner {
		col, ok := c.OwnerColumn()
		if !ok {
			return fmt.Errorf("catalog: component %s has OWNER permission but no owner column", c.FullName())
		}
		if !col.Type.IsNumeric() || col.Type == TypeFloat32 || col.Type == TypeFloat64 {
			return fmt.Errorf("catalog: component %s owner column must be an integer type", c.FullName())
		}
	}
	seen := make(map[string]struct{}, len(c.Columns))
	for _, col := range c.Columns {
		if err := col.validate(); err != nil {
			return fmt.Errorf("catalog: component %s: %w", c.FullName(), err)
		}
		if _, dup := seen[col.Name]; dup {
			return fmt.Errorf("catalog: component %s has duplicate column %q", c.FullName(), col.Name)
		}
		seen[col.Name] = struct{}{}
	}
	return nil
}

// sameIdentity reports whether other is a re-registration of the exact
// same component definition (safe no-op) as opposed to a conflicting
// redefinition (§4.1 "conflict on differing input fails with
// SchemaConflict").
func (c Component) sameIdentity(other Component) bool {
	if c.Namespace != other.Namespace || c.Name != other.Name ||
		c.Permission != other.Permission || c.Persistence != other.Persistence ||
		c.Backend != other.Backend {
		return false
	}
	if len(c.Columns) != len(other.Columns) {
		return false
	}
	for i := range c.Columns {
		if !c.Columns[i].equal(other.Columns[i]) {
			return false
		}
	}
	return true
}

// Compatible is the exported form of compatible, used by the Table
// Manager to decide between additive migration and a fatal SchemaMismatch
// when installing a component against the Schema Ledger (§4.3).
func (c Component) Compatible(other Component) (ok bool, reason string) {
	return c.compatible(other)
}

// compatible reports whether other is an additive evolution of c: every
// column present in c still exists in other with the same type and flags.
// New columns/indices in other are fine; removed or retyped columns are
// not (§4.3's SchemaMismatch boundary).
func (c Component) compatible(other Component) (ok bool, reason string) {
	if c.Namespace != other.Namespace || c.Name != other.Name {
		return false, "namespace/name mismatch"
	}
	if c.Permission != other.Permission {
		return false, "permission class changed"
	}
	if c.Backend != other.Backend {
		return false, "backend binding changed"
	}
	for _, prior := range c.Columns {
		cur, ok := other.Column(prior.Name)
		if !ok {
			return false, fmt.Sprintf("column %q removed", prior.Name)
		}
		if !cur.equal(prior) {
			return false, fmt.Sprintf("column %q type or flags changed", prior.Name)
		}
	}
	return true, ""
}
