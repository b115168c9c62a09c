package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet_Defaults(t *testing.T) {
	info := Get()

	assert.Equal(t, "dev", info.Version)
	assert.NotEmpty(t, info.Commit)
	assert.NotEmpty(t, info.Date)
}

func TestGet_LinkerOverrides(t *testing.T) {
	prevVersion, prevCommit, prevDate := version, commit, date
	t.Cleanup(func() { version, commit, date = prevVersion, prevCommit, prevDate })

	version, commit, date = "v1.4.0", "abc123", "2026-01-02"

	info := Get()
	assert.Equal(t, BuildInfo{Version: "v1.4.0", Commit: "abc123", Date: "2026-01-02"}, info)
	assert.Equal(t, "version=v1.4.0 commit=abc123 date=2026-01-02", info.String())
	assert.Equal(t, "abc123", info.Fields()["commit"])
	assert.Len(t, info.Fields(), 3)
}
