// Package unixid derives deterministic Unix user and group names for the
// filesystem isolation layer.
package unixid

import (
	"strings"
)

const (
	// UsersGroup is the global group every provisioned Agor user joins.
	UsersGroup = "agor_users"

	// maxUsernameLen is the portable limit for Unix usernames.
	maxUsernameLen = 32

	// FallbackUsername is used when an email yields no usable characters.
	FallbackUsername = "agor_user"
)

// WorktreeGroup returns the deterministic group name for a worktree.
// Format: agor_wt_<shortid(8)>.
func WorktreeGroup(worktreeID string) string {
	return "agor_wt_" + ShortID(worktreeID)
}

// RepoGroup returns the deterministic group name for a repository.
// Format: agor_repo_<shortid(8)>.
func RepoGroup(repoID string) string {
	return "agor_repo_" + ShortID(repoID)
}

// ShortID returns the first 8 characters of an ID.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// UsernameFromEmail derives a Unix username from an email address:
// strip the domain, replace '.' with '_', lowercase, keep [a-z0-9_-],
// prefix "u_" when the name starts with a digit or dash, truncate to 32.
// Returns FallbackUsername when nothing usable remains.
//
// The derivation is a fixed point: applying it to a valid Unix username
// returns the same name.
func UsernameFromEmail(email string) string {
	name := email
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	name = strings.ToLower(strings.ReplaceAll(name, ".", "_"))

	var sb strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			sb.WriteRune(r)
		}
	}
	name = sb.String()

	if name == "" {
		return FallbackUsername
	}
	if name[0] >= '0' && name[0] <= '9' || name[0] == '-' {
		name = "u_" + name
	}
	if len(name) > maxUsernameLen {
		name = name[:maxUsernameLen]
	}
	return name
}

// IsValidUsername reports whether name is a valid derived Unix username.
func IsValidUsername(name string) bool {
	if name == "" || len(name) > maxUsernameLen {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' || name[0] == '-' {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
