package jobs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestNewJobIDShape(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := NewJobID()
		assert.Len(t, id, jobIDLength)
		assert.True(t, ValidJobID(id), "id %q must match the job-id shape", id)
		for _, c := range id {
			assert.Contains(t, jobIDAlphabet, string(c))
		}
	})
}

func TestNewJobIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		id := NewJobID()
		assert.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
	}
}

func TestValidJobID(t *testing.T) {
	assert.True(t, ValidJobID("ABCDEFGHIJKLMN0"))
	assert.False(t, ValidJobID("short"))
	assert.False(t, ValidJobID("abcdefghijklmno"))
	assert.False(t, ValidJobID("ABCDEFGHIJKLMN00"))
	assert.False(t, ValidJobID("ABCDEFGHIJKLM-0"))
	assert.False(t, ValidJobID(""))
}

func TestNewBearerTokenShape(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		token := NewBearerToken()
		assert.True(t, strings.HasPrefix(token, "tok_"))
		hexPart := strings.TrimPrefix(token, "tok_")
		assert.Len(t, hexPart, tokenBytes*2)
		for _, c := range hexPart {
			assert.Contains(t, "0123456789abcdef", string(c))
		}
	})
}
