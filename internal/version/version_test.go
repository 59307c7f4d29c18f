package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	defer func(n, r string) { Number, Revision = n, r }(Number, Revision)

	Number, Revision = "", ""
	assert.Contains(t, String(), "dgramd: ")

	Number, Revision = "1.2.0", "abc123"
	assert.Equal(t, "dgramd: v1.2.0-abc123", String())
}

func TestHumanRevisionTime(t *testing.T) {
	defer func(v string) { RevisionTime = v }(RevisionTime)

	RevisionTime = "not-a-number"
	assert.Empty(t, HumanRevisionTime())

	RevisionTime = "0"
	assert.Equal(t, "1970-01-01T00:00:00Z", HumanRevisionTime())
}
