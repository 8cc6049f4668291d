package types

// Role of an authenticated actor. Higher roles inherit the permissions of lower ones.
type Role int

const (
	RoleViewer Role = iota
	RoleEditor
	RoleReviewer
	RoleAdmin
)

func RoleValues() []string {
	return []string{
		"VIEWER",
		"EDITOR",
		"REVIEWER",
		"ADMIN",
	}
}

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "VIEWER"
	case RoleEditor:
		return "EDITOR"
	case RoleReviewer:
		return "REVIEWER"
	case RoleAdmin:
		return "ADMIN"
	default:
		return "UNKNOWN"
	}
}

func ParseRole(s string) (Role, bool) {
	for i, v := range RoleValues() {
		if v == s {
			return Role(i), true
		}
	}
	return RoleViewer, false
}

// Actor is an already-authenticated caller. Authentication happens upstream.
type Actor struct {
	Username string
	Roles    []Role
	Projects []ProjectID
}

func (a Actor) HighestRole() Role {
	highest := RoleViewer
	for _, r := range a.Roles {
		if r > highest {
			highest = r
		}
	}
	return highest
}

// Has reports whether the actor holds role or a higher one.
func (a Actor) Has(role Role) bool {
	return len(a.Roles) > 0 && a.HighestRole() >= role
}

func (a Actor) MemberOf(project ProjectID) bool {
	for _, p := range a.Projects {
		if p == project {
			return true
		}
	}
	return false
}
