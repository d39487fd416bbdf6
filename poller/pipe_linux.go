//go:build linux

package poller

import "golang.org/x/sys/unix"

// Pipe 创建一个非阻塞、close-on-exec 的管道，返回读端和写端
func Pipe() (r, w *FD, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, nil, err
	}
	return NewFD(fds[0]), NewFD(fds[1]), nil
}
