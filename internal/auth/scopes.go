// Package auth - scopes.go defines the permission scopes of the orchestrator API
// and the role to scope mapping applied to verified tokens.
package auth

import (
	"fmt"
)

// Scope represents a permission/scope type
type Scope string

const (
	ScopeInstancesRead   Scope = "instances:read"
	ScopeInstancesManage Scope = "instances:manage" // register, health-check, back up

	ScopeTemplatesRead  Scope = "templates:read"
	ScopeTemplatesWrite Scope = "templates:write" // branch and merge

	ScopeDeploymentsRead  Scope = "deployments:read"
	ScopeDeploymentsWrite Scope = "deployments:write" // deploy, cancel, roll back

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeInstancesRead,
		ScopeInstancesManage,
		ScopeTemplatesRead,
		ScopeTemplatesWrite,
		ScopeDeploymentsRead,
		ScopeDeploymentsWrite,
		ScopeAdmin,
	}
}

// impliedReads maps each write scope to the read scope it includes
var impliedReads = map[Scope]Scope{
	ScopeInstancesManage:  ScopeInstancesRead,
	ScopeTemplatesWrite:   ScopeTemplatesRead,
	ScopeDeploymentsWrite: ScopeDeploymentsRead,
}

var roleScopes = map[string][]Scope{
	"admin":    {ScopeAdmin},
	"operator": {ScopeInstancesManage, ScopeTemplatesWrite, ScopeDeploymentsWrite},
	"editor":   {ScopeInstancesRead, ScopeTemplatesWrite, ScopeDeploymentsRead},
	"viewer":   {ScopeInstancesRead, ScopeTemplatesRead, ScopeDeploymentsRead},
}

// RoleScopes returns the scopes granted to a role. Unknown roles get none.
func RoleScopes(role string) []string {
	scopes := roleScopes[role]
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, string(s))
	}
	return out
}

// ScopesFor merges the role scopes with any valid scopes carried in the token
func ScopesFor(claims *Claims) []string {
	out := RoleScopes(claims.Role)
	valid := ValidScopes()
	for _, s := range claims.Scopes {
		if valid[s] {
			out = append(out, s)
		}
	}
	return out
}

// ValidScopes returns a map of valid scope strings
func ValidScopes() map[string]bool {
	validScopes := make(map[string]bool)
	for _, scope := range AllScopes() {
		validScopes[string(scope)] = true
	}
	return validScopes
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	validScopes := ValidScopes()
	for _, scope := range scopes {
		if !validScopes[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}
	return nil
}

// HasScope checks if a user has a required scope.
// Admin is a wildcard and write scopes include their read scope.
func HasScope(userScopes []string, required Scope) bool {
	for _, scope := range userScopes {
		if scope == string(required) || scope == string(ScopeAdmin) {
			return true
		}
		if read, ok := impliedReads[Scope(scope)]; ok && read == required {
			return true
		}
	}
	return false
}

// HasAnyScope checks if a user has at least one of the required scopes
func HasAnyScope(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(userScopes, required) {
			return true
		}
	}
	return false
}
