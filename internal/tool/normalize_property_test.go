package tool

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDeltaUsageProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	usageGen := gopter.CombineGens(
		gen.Int64Range(0, 1<<40),
		gen.Int64Range(0, 1<<40),
		gen.Int64Range(0, 1<<40),
	).Map(func(vals []interface{}) TokenUsage {
		return sumTotal(TokenUsage{
			Input:     vals[0].(int64),
			Output:    vals[1].(int64),
			CacheRead: vals[2].(int64),
		})
	})

	properties.Property("deltas are never negative", prop.ForAll(
		func(prev, growth TokenUsage) bool {
			current := sumTotal(TokenUsage{
				Input:     prev.Input + growth.Input,
				Output:    prev.Output + growth.Output,
				CacheRead: prev.CacheRead + growth.CacheRead,
			})
			d := deltaUsage(current, &prev)
			return d.Input >= 0 && d.Output >= 0 && d.CacheRead >= 0 && d.Total >= 0
		},
		usageGen,
		usageGen,
	))

	properties.Property("a growing session yields the exact per-task difference", prop.ForAll(
		func(prev, growth TokenUsage) bool {
			current := sumTotal(TokenUsage{
				Input:     prev.Input + growth.Input,
				Output:    prev.Output + growth.Output,
				CacheRead: prev.CacheRead + growth.CacheRead,
			})
			d := deltaUsage(current, &prev)
			return d.Input == growth.Input && d.Output == growth.Output &&
				d.CacheRead == growth.CacheRead
		},
		usageGen,
		usageGen,
	))

	properties.Property("a counter drop reports the restarted session verbatim", prop.ForAll(
		func(current TokenUsage) bool {
			prev := sumTotal(TokenUsage{
				Input:  current.Input + 1,
				Output: current.Output,
			})
			d := deltaUsage(current, &prev)
			return d == current
		},
		usageGen,
	))

	properties.TestingRun(t)
}
