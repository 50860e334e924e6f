package rbac

type Role string
type Action string

// API caller roles carried in bearer tokens.
const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

const (
	ActionReadStats  Action = "read_stats"
	ActionSearch     Action = "search"
	ActionDetect     Action = "detect"
	ActionApply      Action = "apply"
	ActionInitialize Action = "initialize"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleOperator:
		return action == ActionReadStats || action == ActionSearch || action == ActionDetect || action == ActionApply
	case RoleViewer:
		return action == ActionReadStats || action == ActionSearch
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleOperator, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// AccessRole is the role stored for a mirrored shared-folder grant.
type AccessRole string

const (
	AccessEditor AccessRole = "editor"
	AccessReader AccessRole = "lector"
)

// FromDriveRole maps a Drive permission role onto a stored grant role.
// Only writer grants editing; everything else reads.
func FromDriveRole(driveRole string) AccessRole {
	if driveRole == "writer" {
		return AccessEditor
	}
	return AccessReader
}
