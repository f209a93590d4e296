package worktree

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDerivePortsProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("derived ports stay above their bases and within range", prop.ForAll(
		func(uniqueID int) bool {
			p, err := DerivePorts(22000, 33000, uniqueID)
			if err != nil {
				// Out of range is a legal outcome, never a wrong port.
				return 22000+uniqueID > 65535 || 33000+uniqueID > 65535
			}
			return p.SSH > 22000 && p.SSH <= 65535 && p.App > 33000 && p.App <= 65535
		},
		gen.IntRange(1, 50000),
	))

	properties.Property("distinct unique ids derive distinct ports", prop.ForAll(
		func(a, b int) bool {
			if a == b {
				return true
			}
			pa, errA := DerivePorts(22000, 33000, a)
			pb, errB := DerivePorts(22000, 33000, b)
			if errA != nil || errB != nil {
				return true
			}
			return pa.SSH != pb.SSH && pa.App != pb.App
		},
		gen.IntRange(1, 30000),
		gen.IntRange(1, 30000),
	))

	properties.TestingRun(t)
}
