package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLike(t *testing.T) {
	assert.Equal(t, "LIKE", Like(SQLite3))
	assert.Equal(t, "ILIKE", Like(PGX))
	assert.Equal(t, "LIKE", Like("unknown"))
}
