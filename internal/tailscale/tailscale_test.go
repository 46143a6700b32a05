package tailscale

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileShimRoundTrip(t *testing.T) {
	shim := NewFileShim(filepath.Join(t.TempDir(), "devices.json"))
	ctx := context.Background()

	devices, err := shim.ListDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)

	want := []Device{{
		ID: "n1", Hostname: "web-1", OS: "linux", User: "alice@example.com",
		Tags: []string{"tag:web"}, ClientVersion: "1.80.0", LastSeen: "2026-03-01T12:00:00Z",
	}}
	require.NoError(t, shim.WriteDevices(want))

	devices, err = shim.ListDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, devices)
}

func TestFileShimBareArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"n1","os":"windows","hostname":"desk"}]`), 0644))

	devices, err := NewFileShim(path).ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "windows", devices[0].OS)

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0644))
	_, err = NewFileShim(path).ListDevices(context.Background())
	assert.Error(t, err)
}

func TestLastSeenTime(t *testing.T) {
	d := Device{LastSeen: "2026-03-01T12:00:00Z"}
	ts, ok := d.LastSeenTime()
	require.True(t, ok)
	assert.True(t, ts.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	for _, raw := range []string{"", "yesterday", "0001-01-01T00:00:00Z"} {
		_, ok := (&Device{LastSeen: raw}).LastSeenTime()
		assert.False(t, ok, raw)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New("", "example.com")
	assert.Error(t, err)
	c, err := New("tskey-api-x", "example.com")
	require.NoError(t, err)
	assert.NotNil(t, c)
}
