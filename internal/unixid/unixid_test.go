package unixid

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestUsernameFromEmail(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"alice@example.com", "alice"},
		{"Alice.Smith@example.com", "alice_smith"},
		{"9lives@example.com", "u_9lives"},
		{"-dash@example.com", "u_-dash"},
		{"weird!chars#here@example.com", "weirdcharshere"},
		{"@example.com", "agor_user"},
		{"", "agor_user"},
		{"UPPER@example.com", "upper"},
		{"a.very.long.email.address.that.never.ends@example.com", "a_very_long_email_address_that_n"},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			assert.Equal(t, tt.want, UsernameFromEmail(tt.email))
		})
	}
}

func TestUsernameDerivationIsFixedPoint(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("derived usernames are valid", prop.ForAll(
		func(local string) bool {
			name := UsernameFromEmail(local + "@example.com")
			return IsValidUsername(name)
		},
		gen.AlphaString(),
	))

	properties.Property("derivation is idempotent", prop.ForAll(
		func(local string) bool {
			once := UsernameFromEmail(local + "@example.com")
			return UsernameFromEmail(once) == once
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestGroupNames(t *testing.T) {
	id := "0198c5f2-aaaa-bbbb-cccc-ddddeeeeffff"
	assert.Equal(t, "agor_wt_0198c5f2", WorktreeGroup(id))
	assert.Equal(t, "agor_repo_0198c5f2", RepoGroup(id))
	assert.Equal(t, "short", ShortID("short"))
}
