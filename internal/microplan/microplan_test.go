package microplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
version: 1
goal: add rate limiting
test_file: internal/ratelimit/limiter_test.go
units:
  - id: u1
    goal: write failing limiter test
    files:
      - path: internal/ratelimit/limiter_test.go
        action: create
    verify: go test ./internal/ratelimit/
  - id: u2
    goal: implement limiter
    depends_on: [u1]
    files:
      - path: internal/ratelimit/limiter.go
        action: create
      - path: internal/ratelimit/limiter_test.go
        action: modify
    verify: go test ./internal/ratelimit/
`

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, 1, doc.Version)
	assert.Equal(t, "internal/ratelimit/limiter_test.go", doc.TestFile)
	require.Len(t, doc.Units, 2)
	assert.Equal(t, []string{"u1"}, doc.Units[1].DependsOn)

	u, ok := doc.Unit("u2")
	require.True(t, ok)
	assert.Equal(t, "implement limiter", u.Goal)

	_, ok = doc.Unit("missing")
	assert.False(t, ok)
}

func TestParseRejectsMissingID(t *testing.T) {
	_, err := Parse([]byte("units:\n  - goal: no id here\n"))
	assert.Error(t, err)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("units: [unclosed"))
	assert.Error(t, err)
}

func TestFilePathsFlattensAndDeduplicates(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"internal/ratelimit/limiter_test.go",
		"internal/ratelimit/limiter.go",
	}, doc.FilePaths())
}
