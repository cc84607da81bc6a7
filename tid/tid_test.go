package tid

import (
	"testing"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTIDSorts(t *testing.T) {
	prev := TID()
	for range 100 {
		next := TID()
		_, err := syntax.ParseTID(next)
		require.NoError(t, err)
		assert.Less(t, prev, next)
		prev = next
	}
}
