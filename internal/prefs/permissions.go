package prefs

import (
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/yomiage/internal/store"
)

const PermissionsFile = "permissions.json"

// CommandPermission restricts one command.
type CommandPermission struct {
	Default *bool       `json:"default,omitempty"` // Unset means allowed
	Roles   []Snowflake `json:"roles,omitempty"`
}

// PermissionSet is the permissions document.
type PermissionSet struct {
	AdminUsers []Snowflake                   `json:"admin_users"`
	Commands   map[string]*CommandPermission `json:"commands"`
}

func newPermissionSet() PermissionSet {
	return PermissionSet{AdminUsers: []Snowflake{}, Commands: map[string]*CommandPermission{}}
}

// Permissions decides who may run which command.
type Permissions struct {
	doc *store.Document[PermissionSet]
}

// OpenPermissions loads the permissions document from dir.
func OpenPermissions(dir string, logger *log.Logger) *Permissions {
	doc, err := store.Open(filepath.Join(dir, PermissionsFile), newPermissionSet, logger)
	if err != nil {
		logOpenError(logger, PermissionsFile, err)
	}
	return &Permissions{doc: doc}
}

// Documents returns the backing document so it can be watched.
func (p *Permissions) Documents() []Watchable {
	return []Watchable{p.doc}
}

// Allowed reports whether user, holding roles, may run command. Admins may
// run everything. A command with roles requires one of them. Otherwise the
// command's default applies, which is to allow.
func (p *Permissions) Allowed(command, user string, roles []string) (allowed bool) {
	p.doc.Read(func(set PermissionSet) {
		if containsID(set.AdminUsers, user) {
			allowed = true
			return
		}

		perm := set.Commands[command]
		if perm == nil {
			allowed = true
			return
		}
		if len(perm.Roles) > 0 {
			for _, r := range roles {
				if containsID(perm.Roles, r) {
					allowed = true
					return
				}
			}
			allowed = false
			return
		}
		allowed = perm.Default == nil || *perm.Default
	})
	return allowed
}

// IsAdmin reports whether user is listed as an admin.
func (p *Permissions) IsAdmin(user string) (admin bool) {
	p.doc.Read(func(set PermissionSet) {
		admin = containsID(set.AdminUsers, user)
	})
	return admin
}
