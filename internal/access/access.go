// Package access holds the resolved per-document role model. Role
// assignment itself lives in the metadata store; this package only
// answers "can this role do that".
package access

type Role string

const (
	RoleNone   Role = "none"
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

func (r Role) CanRead() bool {
	return r == RoleViewer || r == RoleEditor || r == RoleOwner
}

func (r Role) CanWrite() bool {
	return r == RoleEditor || r == RoleOwner
}

func (r Role) IsOwner() bool {
	return r == RoleOwner
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return RoleNone
	}
}
