package wake

import (
	"context"
	"os"
	"syscall"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogind struct {
	t     *testing.T
	calls int
	args  []interface{}
}

func (f *fakeLogind) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	f.calls++
	f.args = args
	r, w, err := os.Pipe()
	require.NoError(f.t, err)
	f.t.Cleanup(func() { r.Close(); w.Close() })
	fd, err := syscall.Dup(int(r.Fd()))
	require.NoError(f.t, err)
	return &dbus.Call{Body: []interface{}{dbus.UnixFD(fd)}}
}

func TestLogindAcquireRelease(t *testing.T) {
	bus := &fakeLogind{t: t}
	l := newLogind(bus, "cuewatch")
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "alarm ringing"))
	require.NoError(t, l.Acquire(ctx, "alarm ringing"))
	assert.Equal(t, 1, bus.calls, "held lock is not taken twice")
	assert.Equal(t, []interface{}{"sleep:idle", "cuewatch", "alarm ringing", "block"}, bus.args)
	assert.True(t, l.Held())

	require.NoError(t, l.Release())
	assert.False(t, l.Held())
	require.NoError(t, l.Release())
}
