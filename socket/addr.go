//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package socket

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// ToSockaddr 把 IPv4/IPv6 地址转换为系统调用使用的地址。
// 4in6 地址保持为 IPv6，数字形式的 zone 原样作为 scope id。
func ToSockaddr(addr netip.AddrPort) unix.Sockaddr {
	ip := addr.Addr()
	if !ip.IsValid() {
		panic("socket: invalid address")
	}
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}
	}
	return &unix.SockaddrInet6{
		Port:   int(addr.Port()),
		ZoneId: zoneIndex(ip.Zone()),
		Addr:   ip.As16(),
	}
}

// FromSockaddr 是 ToSockaddr 的逆过程。
// sa 不是 IPv4/IPv6 地址（例如 unix 域地址）说明调用方混用了地址族，直接 panic。
func FromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(sa.Addr)
		if sa.ZoneId != 0 {
			ip = ip.WithZone(strconv.FormatUint(uint64(sa.ZoneId), 10))
		}
		return netip.AddrPortFrom(ip, uint16(sa.Port))
	default:
		panic(fmt.Sprintf("socket: unexpected non-inet socket address %T", sa))
	}
}

// Family 返回 addr 对应的地址族
func Family(addr netip.AddrPort) int {
	if addr.Addr().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func zoneIndex(zone string) uint32 {
	if zone == "" {
		return 0
	}
	if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(n)
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index)
	}
	return 0
}
