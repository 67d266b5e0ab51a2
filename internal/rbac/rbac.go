package rbac

type Role string
type Action string

const (
	RoleViewer  Role = "viewer"
	RoleSales   Role = "sales"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead      Action = "read"
	ActionWrite     Action = "write"
	ActionDelete    Action = "delete"
	ActionConfigure Action = "configure"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleManager:
		return action == ActionRead || action == ActionWrite || action == ActionDelete
	case RoleSales:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleSales, RoleManager, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
