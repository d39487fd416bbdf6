//go:build linux

package socket

import "golang.org/x/sys/unix"

const recvmsgFlags = unix.MSG_CMSG_CLOEXEC

// Socket 创建 socket，close-on-exec 和非阻塞标志在创建时原子地设置
func Socket(family, typ int, nonblock bool) (int, error) {
	typ |= unix.SOCK_CLOEXEC
	if nonblock {
		typ |= unix.SOCK_NONBLOCK
	}
	return unix.Socket(family, typ, 0)
}

// Socketpair 创建一对互相连接的 socket
func Socketpair(family, typ int, nonblock bool) ([2]int, error) {
	typ |= unix.SOCK_CLOEXEC
	if nonblock {
		typ |= unix.SOCK_NONBLOCK
	}
	return unix.Socketpair(family, typ, 0)
}

// Accept 接受一个连接，新句柄的 close-on-exec 和非阻塞标志原子地设置。
// 没有等待中的连接时返回 unix.EAGAIN。
func Accept(fd int, nonblock bool) (int, unix.Sockaddr, error) {
	flags := unix.SOCK_CLOEXEC
	if nonblock {
		flags |= unix.SOCK_NONBLOCK
	}
	return unix.Accept4(fd, flags)
}

// MSG_CMSG_CLOEXEC 已经设置了 close-on-exec
func closeOnExec(fds []int) {}
