package worktree

import "fmt"

// Ports holds the deterministic host ports derived for a worktree.
type Ports struct {
	SSH int `json:"ssh"`
	App int `json:"app"`
}

// DerivePorts computes the host ports for a worktree from its unique number.
// The allocator never reuses numbers, so derived ports are collision-free by
// construction.
func DerivePorts(sshBase, appBase, uniqueID int) (Ports, error) {
	if uniqueID <= 0 {
		return Ports{}, fmt.Errorf("worktree unique id must be positive, got %d", uniqueID)
	}
	p := Ports{SSH: sshBase + uniqueID, App: appBase + uniqueID}
	if p.SSH > 65535 || p.App > 65535 {
		return Ports{}, fmt.Errorf("derived port out of range for unique id %d", uniqueID)
	}
	return p, nil
}
