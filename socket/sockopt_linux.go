//go:build linux

package socket

import "golang.org/x/sys/unix"

func setIPv4Opt(fd int, opt int, v int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, opt, v)
}
