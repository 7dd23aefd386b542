package rbac

type Role string
type Action string

const (
	RoleClinician Role = "clinician"
	RoleStaff     Role = "staff"
	RolePatient   Role = "patient"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Can reports whether role may perform action on a care note. Admins have
// clinic-scoped read-only access; patients only read.
func Can(role Role, action Action) bool {
	switch role {
	case RoleClinician, RoleStaff:
		return action == ActionRead || action == ActionWrite
	case RoleAdmin, RolePatient:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleClinician, RoleStaff, RolePatient, RoleAdmin:
		return Role(role)
	default:
		return RolePatient
	}
}
