package connector

import "fmt"

// PermissionKind identifies the capability class of a decision.
type PermissionKind string

const (
	PermissionRead  PermissionKind = "read"
	PermissionWrite PermissionKind = "write"
	PermissionWeb   PermissionKind = "web"
)

// PermissionAccess identifies one concrete capability. Path is empty for web.
type PermissionAccess struct {
	Kind PermissionKind `json:"kind"`
	Path string         `json:"path,omitempty"`
}

// PermissionDecision is a human approval or denial of one capability.
type PermissionDecision struct {
	Approved bool             `json:"approved"`
	Access   PermissionAccess `json:"access"`
}

// FormatTag renders the compact tag form of an access, e.g. "@write:/tmp".
func FormatTag(access PermissionAccess) string {
	if access.Kind == PermissionWeb {
		return "@web"
	}
	return fmt.Sprintf("@%s:%s", access.Kind, access.Path)
}

// DescribeAccess renders the human-readable form of an access.
func DescribeAccess(access PermissionAccess) string {
	switch access.Kind {
	case PermissionWeb:
		return "web access"
	case PermissionRead:
		return fmt.Sprintf("read access to %s", access.Path)
	default:
		return fmt.Sprintf("write access to %s", access.Path)
	}
}
