//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package socket

import (
	"errors"

	"golang.org/x/sys/unix"
)

// SendFDs 通过 unix 域 socket 发送 data 和句柄 fds（SCM_RIGHTS）。
// 流式 socket 上 data 至少要有一个字节。
func SendFDs(fd int, data []byte, fds ...int) (int, error) {
	return unix.SendmsgN(fd, data, unix.UnixRights(fds...), nil, unix.MSG_DONTWAIT)
}

// RecvFDs 接收数据以及最多 maxFDs 个句柄，收到的句柄带 close-on-exec
func RecvFDs(fd int, p []byte, maxFDs int) (int, []int, error) {
	oob := make([]byte, unix.CmsgSpace(maxFDs*4))
	n, oobn, _, _, err := unix.Recvmsg(fd, p, oob, recvmsgFlags)
	if err != nil {
		return 0, nil, err
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return n, nil, err
	}
	var fds []int
	var errs []error
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fds = append(fds, rights...)
	}
	closeOnExec(fds)
	return n, fds, errors.Join(errs...)
}
