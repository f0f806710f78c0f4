package authcore

// Role is the enumerated account role. Unknown roles deny everything.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleEditor     Role = "editor"
	RoleAuthor     Role = "author"
	RoleViewer     Role = "viewer"
)

// Wildcard matches any resource or action in a grant.
const Wildcard = "*"

// roleGrants is the static role→resource→action table, in precedence order
// super_admin > admin > editor > author > viewer. The table is data, not
// code: evaluation is explicit matching in RoleAllows, never map lookups on
// raw strings from the request.
var roleGrants = map[Role][]Grant{
	RoleSuperAdmin: {
		{Resource: Wildcard, Actions: []string{Wildcard}},
	},
	RoleAdmin: {
		{Resource: "content", Actions: []string{Wildcard}},
		{Resource: "media", Actions: []string{Wildcard}},
		{Resource: "users", Actions: []string{Wildcard}},
		{Resource: "webhooks", Actions: []string{Wildcard}},
		{Resource: "settings", Actions: []string{"read", "update"}},
	},
	RoleEditor: {
		{Resource: "content", Actions: []string{"create", "read", "update", "delete", "publish"}},
		{Resource: "media", Actions: []string{"create", "read", "update", "delete"}},
	},
	RoleAuthor: {
		{Resource: "content", Actions: []string{"create", "read", "update"}},
		{Resource: "media", Actions: []string{"create", "read"}},
	},
	RoleViewer: {
		{Resource: "content", Actions: []string{"read"}},
		{Resource: "media", Actions: []string{"read"}},
	},
}

// RoleAllows evaluates the static table for one (resource, action) pair.
func RoleAllows(role Role, resource, action string) bool {
	grants, ok := roleGrants[role]
	if !ok {
		return false
	}
	return grantsAllow(grants, resource, action)
}

// KnownRole reports whether role appears in the static table.
func KnownRole(role Role) bool {
	_, ok := roleGrants[role]
	return ok
}

func grantsAllow(grants []Grant, resource, action string) bool {
	for _, g := range grants {
		if g.Resource != Wildcard && g.Resource != resource {
			continue
		}
		for _, a := range g.Actions {
			if a == Wildcard || a == action {
				return true
			}
		}
	}
	return false
}
