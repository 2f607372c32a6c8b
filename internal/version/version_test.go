package version

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-03-01T10:20:30Z", time.Date(2026, 3, 1, 10, 20, 30, 0, time.UTC)},
		{"2026-03-01T10:20:30", time.Date(2026, 3, 1, 10, 20, 30, 0, time.UTC)},
		{"2026-03-01 10:20:30", time.Date(2026, 3, 1, 10, 20, 30, 0, time.UTC)},
		{"unknown", time.Time{}},
		{"", time.Time{}},
		{"yesterday", time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.True(t, tt.want.Equal(parseTime(tt.in)))
		})
	}
}

func TestGetUsesLinkerValues(t *testing.T) {
	defer func(v, c, b string) { Version, GitCommit, BuildTime = v, c, b }(Version, GitCommit, BuildTime)
	Version = "v1.2.3"
	GitCommit = "0123456789abcdef"
	BuildTime = "2026-03-01T10:20:30Z"

	info := Get()
	assert.Equal(t, "v1.2.3", info.Version)
	assert.Equal(t, "0123456789abcdef", info.GitCommit)
	assert.Equal(t, 2026, info.BuildTime.Year())
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
	assert.True(t, info.Release())
	assert.Equal(t, "v1.2.3 (0123456)", info.Short())
}

func TestShort(t *testing.T) {
	tests := []struct {
		name string
		info BuildInfo
		want string
	}{
		{"dev build", BuildInfo{Version: "dev", GitCommit: "unknown"}, "dev"},
		{"dev with commit", BuildInfo{Version: "dev-0123456", GitCommit: "0123456789"}, "dev-0123456"},
		{"release", BuildInfo{Version: "v0.4.0", GitCommit: "abcdef0123"}, "v0.4.0 (abcdef0)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.Short())
		})
	}
	assert.False(t, BuildInfo{Version: "dev-0123456"}.Release())
}
