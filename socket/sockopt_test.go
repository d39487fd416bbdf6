//go:build linux

package socket

import (
	"net/netip"
	"testing"
	"time"

	"github.com/JemmyH/amio/poller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func getInt(t *testing.T, fd, level, opt int) int {
	t.Helper()
	v, err := unix.GetsockoptInt(fd, level, opt)
	require.NoError(t, err)
	return v
}

func TestSockopt_Bool(t *testing.T) {
	fd := newSocket(t, unix.AF_INET, unix.SOCK_STREAM, true)
	for _, tc := range []struct {
		name  string
		set   func(int, bool) error
		level int
		opt   int
	}{
		{"reuseaddr", SetReuseAddr, unix.SOL_SOCKET, unix.SO_REUSEADDR},
		{"reuseport", SetReusePort, unix.SOL_SOCKET, unix.SO_REUSEPORT},
		{"nodelay", SetNoDelay, unix.IPPROTO_TCP, unix.TCP_NODELAY},
		{"keepalive", SetKeepAlive, unix.SOL_SOCKET, unix.SO_KEEPALIVE},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.set(fd, true))
			assert.NotZero(t, getInt(t, fd, tc.level, tc.opt))
			require.NoError(t, tc.set(fd, false))
			assert.Zero(t, getInt(t, fd, tc.level, tc.opt))
		})
	}
}

func TestSockopt_Broadcast(t *testing.T) {
	fd := newSocket(t, unix.AF_INET, unix.SOCK_DGRAM, true)
	require.NoError(t, SetBroadcast(fd, true))
	assert.NotZero(t, getInt(t, fd, unix.SOL_SOCKET, unix.SO_BROADCAST))
}

func TestSockopt_Linger(t *testing.T) {
	fd := newSocket(t, unix.AF_INET, unix.SOCK_STREAM, true)

	require.NoError(t, SetLinger(fd, 3*time.Second))
	l, err := unix.GetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER)
	require.NoError(t, err)
	assert.Equal(t, int32(1), l.Onoff)
	assert.Equal(t, int32(3), l.Linger)

	require.NoError(t, SetLinger(fd, -1))
	l, err = unix.GetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER)
	require.NoError(t, err)
	assert.Equal(t, int32(0), l.Onoff)
}

func TestSockopt_Multicast(t *testing.T) {
	fd := newSocket(t, unix.AF_INET, unix.SOCK_DGRAM, true)
	require.NoError(t, SetMulticastTTL(fd, 4))
	assert.Equal(t, 4, getInt(t, fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL))
	require.NoError(t, SetMulticastLoop(fd, false, false))
	assert.Zero(t, getInt(t, fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP))

	group := netip.MustParseAddr("239.1.2.3")
	if err := JoinGroup(fd, group, 0); err != nil {
		// 没有可用的组播路由
		t.Skipf("join group: %v", err)
	}
	assert.NoError(t, LeaveGroup(fd, group, 0))
}

func TestSockopt_Multicast6(t *testing.T) {
	fd, err := Socket(unix.AF_INET6, unix.SOCK_DGRAM, true)
	if err != nil {
		t.Skipf("ipv6 unavailable: %v", err)
	}
	closeFd(t, fd)
	require.NoError(t, SetMulticastHops(fd, 5))
	assert.Equal(t, 5, getInt(t, fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS))
	require.NoError(t, SetMulticastLoop(fd, true, true))
	assert.Equal(t, 1, getInt(t, fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_LOOP))
}

func TestFDPassing(t *testing.T) {
	pair, err := Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, true)
	require.NoError(t, err)
	closeFd(t, pair[0])
	closeFd(t, pair[1])

	r, w, err := poller.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})

	n, err := SendFDs(pair[0], []byte("x"), w.Fd())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	buf := make([]byte, 8)
	n, fds, err := RecvFDs(pair[1], buf, 1)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:n]))
	require.Len(t, fds, 1)
	closeFd(t, fds[0])

	_, ce := fdFlags(t, fds[0])
	assert.True(t, ce)

	// 收到的句柄和 w 指向同一个管道
	_, err = unix.Write(fds[0], []byte("via"))
	require.NoError(t, err)
	got := make([]byte, 8)
	n, err = r.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "via", string(got[:n]))
}

func TestRecvFDs_WouldBlock(t *testing.T) {
	pair, err := Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, true)
	require.NoError(t, err)
	closeFd(t, pair[0])
	closeFd(t, pair[1])

	_, fds, err := RecvFDs(pair[1], make([]byte, 4), 1)
	assert.True(t, IsWouldBlock(err))
	assert.Empty(t, fds)
}
