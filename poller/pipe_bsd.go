//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Pipe 创建一个非阻塞、close-on-exec 的管道，返回读端和写端。
// darwin 没有 pipe2，这里在 ForkLock 下设置标志位，避免 fork 出的子进程继承句柄。
func Pipe() (r, w *FD, err error) {
	var fds [2]int
	syscall.ForkLock.RLock()
	err = unix.Pipe(fds[:])
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, err
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, nil, err
		}
	}
	return NewFD(fds[0]), NewFD(fds[1]), nil
}
