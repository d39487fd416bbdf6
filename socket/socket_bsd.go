//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package socket

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const recvmsgFlags = 0

// Socket 创建 socket。这些平台上没有 SOCK_CLOEXEC，在 ForkLock 下设置 close-on-exec，
// 避免与 fork 并发时泄露句柄。
func Socket(family, typ int, nonblock bool) (int, error) {
	syscall.ForkLock.RLock()
	fd, err := unix.Socket(family, typ, 0)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, err
	}
	return setNonblock(fd, nonblock)
}

func Socketpair(family, typ int, nonblock bool) ([2]int, error) {
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(family, typ, 0)
	if err == nil {
		closeOnExec(fds[:])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return fds, err
	}
	for _, fd := range fds {
		if _, err := setNonblock(fd, nonblock); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return fds, err
		}
	}
	return fds, nil
}

func Accept(fd int, nonblock bool) (int, unix.Sockaddr, error) {
	syscall.ForkLock.RLock()
	nfd, sa, err := unix.Accept(fd)
	if err == nil {
		unix.CloseOnExec(nfd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, nil, err
	}
	nfd, err = setNonblock(nfd, nonblock)
	return nfd, sa, err
}

func setNonblock(fd int, nonblock bool) (int, error) {
	if !nonblock {
		return fd, nil
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func closeOnExec(fds []int) {
	for _, fd := range fds {
		unix.CloseOnExec(fd)
	}
}
