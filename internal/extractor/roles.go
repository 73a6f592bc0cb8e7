package extractor

import "strings"

// Roles assigned to Class entities from naming conventions
const (
	RoleAggregateRoot = "aggregate_root"
	RoleEntity        = "entity"
	RoleValueObject   = "value_object"
	RoleRepository    = "repository"
	RoleService       = "service"
	RoleCommand       = "command"
	RoleQuery         = "query"
	RoleHandler       = "handler"
	RoleController    = "controller"
)

// roleSuffixes is checked in order; the first matching suffix wins
var roleSuffixes = []struct {
	suffix string
	role   string
}{
	{"AggregateRoot", RoleAggregateRoot},
	{"Aggregate", RoleAggregateRoot},
	{"Repository", RoleRepository},
	{"Repo", RoleRepository},
	{"Service", RoleService},
	{"Controller", RoleController},
	{"Handler", RoleHandler},
	{"Command", RoleCommand},
	{"Cmd", RoleCommand},
	{"Query", RoleQuery},
	{"ValueObject", RoleValueObject},
	{"VO", RoleValueObject},
	{"Entity", RoleEntity},
}

// DetectRole classifies a class-like name by its suffix. Names without a
// known suffix have no role.
func DetectRole(name string) string {
	for _, rs := range roleSuffixes {
		if strings.HasSuffix(name, rs.suffix) && len(name) > len(rs.suffix) {
			return rs.role
		}
	}
	return ""
}
