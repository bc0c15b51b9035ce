package collate

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestVersion verifies that Version() returns the version variable.
// In normal builds, this is set via ldflags by GoReleaser.
// In development, it defaults to "dev".
func TestVersion(t *testing.T) {
	result := Version()

	assert.NotEmpty(t, result, "Version() should not return empty string")
	assert.True(t,
		result == "dev" || strings.HasPrefix(result, "v"),
		"Version() should be 'dev' or start with 'v', got: %s", result)
}

// TestCommit verifies that Commit() returns the commit variable.
func TestCommit(t *testing.T) {
	result := Commit()

	assert.NotEmpty(t, result, "Commit() should not return empty string")
	if result != "unknown" {
		assert.GreaterOrEqual(t, len(result), 7,
			"Commit() should be at least 7 characters for a git hash, got: %s", result)
	}
}

// TestBuildTime verifies that BuildTime() returns the buildTime variable.
func TestBuildTime(t *testing.T) {
	result := BuildTime()

	assert.NotEmpty(t, result, "BuildTime() should not return empty string")
	if result != "unknown" {
		assert.Contains(t, result, "T",
			"BuildTime() should be RFC3339 format containing 'T', got: %s", result)
	}
}

// TestGoVersion verifies that GoVersion() returns the runtime Go version.
func TestGoVersion(t *testing.T) {
	result := GoVersion()

	assert.Equal(t, runtime.Version(), result,
		"GoVersion() should match runtime.Version()")
	assert.True(t, strings.HasPrefix(result, "go"),
		"GoVersion() should start with 'go', got: %s", result)
}

// TestUserAgent verifies that UserAgent() returns a properly formatted User-Agent string.
func TestUserAgent(t *testing.T) {
	result := UserAgent()

	assert.Equal(t, "collate/"+Version(), result,
		"UserAgent() should be 'collate/{version}', got: %s", result)
	assert.NotContains(t, result, " ", "UserAgent() should not contain spaces")
}

// TestBuildInfo verifies that BuildInfo() returns a formatted string with all build metadata.
func TestBuildInfo(t *testing.T) {
	result := BuildInfo()

	assert.Contains(t, result, "Version:", "BuildInfo() should contain 'Version:'")
	assert.Contains(t, result, "Commit:", "BuildInfo() should contain 'Commit:'")
	assert.Contains(t, result, "Build Time:", "BuildInfo() should contain 'Build Time:'")
	assert.Contains(t, result, "Go Version:", "BuildInfo() should contain 'Go Version:'")

	assert.Contains(t, result, Version(), "BuildInfo() should contain Version()")
	assert.Contains(t, result, Commit(), "BuildInfo() should contain Commit()")
	assert.Contains(t, result, BuildTime(), "BuildInfo() should contain BuildTime()")
	assert.Contains(t, result, GoVersion(), "BuildInfo() should contain GoVersion()")
}
