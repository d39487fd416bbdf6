//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package socket

import "golang.org/x/sys/unix"

// BSD 上 IP_MULTICAST_TTL / IP_MULTICAST_LOOP 的参数是 u_char
func setIPv4Opt(fd int, opt int, v int) error {
	return unix.SetsockoptByte(fd, unix.IPPROTO_IP, opt, byte(v))
}
