//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package socket

import (
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

func boolint(b bool) int {
	if b {
		return 1
	}
	return 0
}

func SetReuseAddr(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolint(on))
}

func SetReusePort(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolint(on))
}

func SetNoDelay(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolint(on))
}

func SetKeepAlive(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolint(on))
}

func SetBroadcast(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, boolint(on))
}

// SetLinger 设置 SO_LINGER，d < 0 表示关闭 linger
func SetLinger(fd int, d time.Duration) error {
	l := unix.Linger{}
	if d >= 0 {
		l.Onoff = 1
		l.Linger = int32(d / time.Second)
	}
	return unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &l)
}

// SetMulticastTTL 设置 IPv4 组播 TTL
func SetMulticastTTL(fd int, ttl int) error {
	return setIPv4Opt(fd, unix.IP_MULTICAST_TTL, ttl)
}

// SetMulticastHops 设置 IPv6 组播跳数
func SetMulticastHops(fd int, hops int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, hops)
}

// SetMulticastLoop 设置组播回环，v6 表示 socket 是 IPv6 的
func SetMulticastLoop(fd int, v6 bool, on bool) error {
	if v6 {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_LOOP, boolint(on))
	}
	return setIPv4Opt(fd, unix.IP_MULTICAST_LOOP, boolint(on))
}

// JoinGroup 加入组播组。IPv6 使用 ifindex 指定网卡，0 表示由系统选择；IPv4 总是由系统选择网卡。
func JoinGroup(fd int, group netip.Addr, ifindex int) error {
	if group.Is4() {
		return unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, &unix.IPMreq{Multiaddr: group.As4()})
	}
	return unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, &unix.IPv6Mreq{
		Multiaddr: group.As16(),
		Interface: uint32(ifindex),
	})
}

// LeaveGroup 退出组播组，参数与 JoinGroup 相同
func LeaveGroup(fd int, group netip.Addr, ifindex int) error {
	if group.Is4() {
		return unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_DROP_MEMBERSHIP, &unix.IPMreq{Multiaddr: group.As4()})
	}
	return unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_LEAVE_GROUP, &unix.IPv6Mreq{
		Multiaddr: group.As16(),
		Interface: uint32(ifindex),
	})
}
