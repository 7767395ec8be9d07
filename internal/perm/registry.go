// Package perm holds the permission registry and the resolved permission set.
package perm

import (
	"errors"
	"fmt"
	"strings"
)

// RegistryVersion is bumped whenever Registry changes. It is recorded by the
// identity store on sync.
const RegistryVersion = 3

// Definition is one registry entry. Key is always Resource + ":" + Action.
type Definition struct {
	Key         string
	Resource    string
	Action      string
	Description string
}

const (
	UserCreate     = "user:create"
	UserRead       = "user:read"
	UserUpdate     = "user:update"
	UserDelete     = "user:delete"
	UserAssignRole = "user:assign-role"
	UserActivate   = "user:activate"

	RoleCreate           = "role:create"
	RoleRead             = "role:read"
	RoleUpdate           = "role:update"
	RoleDelete           = "role:delete"
	RoleAssignPermission = "role:assign-permission"

	CollegeCreate = "college:create"
	CollegeRead   = "college:read"
	CollegeUpdate = "college:update"
	CollegeDelete = "college:delete"

	CourseCreate = "course:create"
	CourseRead   = "course:read"
	CourseUpdate = "course:update"
	CourseDelete = "course:delete"

	ExamCreate = "exam:create"
	ExamRead   = "exam:read"
	ExamUpdate = "exam:update"
	ExamDelete = "exam:delete"

	PageCreate  = "page:create"
	PageRead    = "page:read"
	PageUpdate  = "page:update"
	PagePublish = "page:publish"
	PageDelete  = "page:delete"

	LeadRead   = "lead:read"
	LeadUpdate = "lead:update"
	LeadExport = "lead:export"

	FormCreate = "form:create"
	FormRead   = "form:read"
	FormUpdate = "form:update"
	FormDelete = "form:delete"

	AuditRead = "audit:read"
)

// Registry is the static list synchronized into the identity store at startup.
var Registry = []Definition{
	def(UserCreate, "Create admin users"),
	def(UserRead, "View admin users"),
	def(UserUpdate, "Edit admin user profiles"),
	def(UserDelete, "Delete admin users"),
	def(UserAssignRole, "Assign roles to users"),
	def(UserActivate, "Activate or deactivate users"),

	def(RoleCreate, "Create roles"),
	def(RoleRead, "View roles"),
	def(RoleUpdate, "Rename roles and toggle their status"),
	def(RoleDelete, "Delete roles"),
	def(RoleAssignPermission, "Change the permissions of a role"),

	def(CollegeCreate, "Create colleges"),
	def(CollegeRead, "View colleges"),
	def(CollegeUpdate, "Edit colleges"),
	def(CollegeDelete, "Delete colleges"),

	def(CourseCreate, "Create courses"),
	def(CourseRead, "View courses"),
	def(CourseUpdate, "Edit courses"),
	def(CourseDelete, "Delete courses"),

	def(ExamCreate, "Create exams"),
	def(ExamRead, "View exams"),
	def(ExamUpdate, "Edit exams"),
	def(ExamDelete, "Delete exams"),

	def(PageCreate, "Create pages"),
	def(PageRead, "View pages"),
	def(PageUpdate, "Edit pages"),
	def(PagePublish, "Publish pages"),
	def(PageDelete, "Delete pages"),

	def(LeadRead, "View leads"),
	def(LeadUpdate, "Update lead status"),
	def(LeadExport, "Export leads"),

	def(FormCreate, "Create dynamic forms"),
	def(FormRead, "View dynamic forms"),
	def(FormUpdate, "Edit dynamic forms"),
	def(FormDelete, "Delete dynamic forms"),

	def(AuditRead, "Read the audit trail"),
}

// Keys returns every registered key in registry order.
func Keys() []string {
	out := make([]string, 0, len(Registry))
	for _, d := range Registry {
		out = append(out, d.Key)
	}
	return out
}

// Lookup returns the definition registered under key.
func Lookup(key string) (Definition, bool) {
	for _, d := range Registry {
		if d.Key == key {
			return d, true
		}
	}
	return Definition{}, false
}

var errMalformedKey = errors.New("perm: malformed key")

// ParseKey splits a "resource:action" key.
func ParseKey(key string) (resource, action string, err error) {
	resource, action, ok := strings.Cut(key, ":")
	if !ok || resource == "" || action == "" || strings.Contains(action, ":") {
		return "", "", fmt.Errorf("%w: %q", errMalformedKey, key)
	}
	return resource, action, nil
}

func def(key, description string) Definition {
	resource, action, err := ParseKey(key)
	if err != nil {
		panic(err)
	}
	return Definition{Key: key, Resource: resource, Action: action, Description: description}
}
