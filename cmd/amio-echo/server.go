//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/JemmyH/amio/eventloop"
	"github.com/JemmyH/amio/poller"
	"github.com/JemmyH/amio/socket"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

const (
	connInterest = poller.EventRead | poller.EventHup
	// 待写回的数据超过 highWater 时暂停读，全部写完后再恢复，避免只写不读的对端撑爆内存
	highWater = 1 << 20
)

// server 是一个边缘触发的 echo 服务，所有回调都在 loop goroutine 中执行
type server struct {
	loop     *eventloop.EventLoop
	logger   *logiface.Logger[logiface.Event]
	listener *poller.FD
	token    poller.Token
	addr     netip.AddrPort
	conns    map[poller.Token]*conn
}

type conn struct {
	s       *server
	fd      *poller.FD
	token   poller.Token
	peer    netip.AddrPort
	pending []byte
	// 当前向 loop 注册的事件
	interest poller.Event
	// pending 超过 highWater 后暂停读
	paused bool
	closed bool
}

func newServer(addr string, backlog int, logger *logiface.Logger[logiface.Event], opts ...eventloop.Option) (*server, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr %q: %w", addr, err)
	}
	loop, err := eventloop.New(append(opts, eventloop.WithLogger(logger))...)
	if err != nil {
		return nil, err
	}
	s := &server{loop: loop, logger: logger, conns: make(map[poller.Token]*conn)}
	if err := s.listen(ap, backlog); err != nil {
		_ = loop.Close()
		return nil, err
	}
	return s, nil
}

func (s *server) listen(ap netip.AddrPort, backlog int) error {
	fd, err := socket.Socket(socket.Family(ap), unix.SOCK_STREAM, true)
	if err != nil {
		return err
	}
	s.listener = poller.NewFD(fd)
	if err := socket.SetReuseAddr(fd, true); err != nil {
		_ = s.listener.Close()
		return err
	}
	if err := socket.Bind(fd, socket.ToSockaddr(ap)); err != nil {
		_ = s.listener.Close()
		return fmt.Errorf("bind %s: %w", ap, err)
	}
	if err := socket.Listen(fd, backlog); err != nil {
		_ = s.listener.Close()
		return err
	}
	sa, err := socket.GetSockName(fd)
	if err != nil {
		_ = s.listener.Close()
		return err
	}
	s.addr = socket.FromSockaddr(sa)
	s.token, err = s.loop.Register(s.listener, poller.EventRead, poller.OptEdge, s.onAccept)
	if err != nil {
		_ = s.listener.Close()
		return err
	}
	return nil
}

// Addr 返回实际监听的地址
func (s *server) Addr() netip.AddrPort {
	return s.addr
}

// Serve 阻塞直到 ctx 结束，ctx 正常取消时返回 nil
func (s *server) Serve(ctx context.Context) error {
	s.logger.Info().Str("addr", s.addr.String()).Log("listening")
	err := s.loop.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close 关闭所有连接和监听 socket，只能在 Serve 返回后调用
func (s *server) Close() error {
	for _, c := range s.conns {
		c.close()
	}
	_ = s.loop.Deregister(s.listener, s.token)
	return errors.Join(s.listener.Close(), s.loop.Close())
}

func (s *server) onAccept(ev poller.Event) {
	for {
		nfd, sa, err := socket.Accept(s.listener.Fd(), true)
		if err != nil {
			if socket.IsWouldBlock(err) {
				return
			}
			if errors.Is(err, unix.ECONNABORTED) || errors.Is(err, unix.EINTR) {
				continue
			}
			// 例如 EMFILE，等下一次可读事件再试
			s.logger.Warning().Err(err).Log("accept failed")
			return
		}
		_ = socket.SetNoDelay(nfd, true)

		c := &conn{s: s, fd: poller.NewFD(nfd), peer: socket.FromSockaddr(sa), interest: connInterest}
		c.token, err = s.loop.Register(c.fd, connInterest, poller.OptEdge, c.onEvent)
		if err != nil {
			s.logger.Warning().Err(err).Str("peer", c.peer.String()).Log("register conn failed")
			_ = c.fd.Close()
			continue
		}
		s.conns[c.token] = c
		s.logger.Debug().Str("peer", c.peer.String()).Uint64("token", uint64(c.token)).Int64("conns", s.loop.ConnCount()).Log("accepted")
	}
}

func (c *conn) onEvent(ev poller.Event) {
	if ev.IsError() {
		c.close()
		return
	}
	if (ev.IsReadable() || ev.IsHup()) && !c.paused {
		if !c.read() {
			return
		}
	}
	c.flush()
}

// read 读到 EAGAIN 或者 pending 超过 highWater 为止，连接被关闭时返回 false
func (c *conn) read() bool {
	var buf [4096]byte
	for {
		n, err := c.fd.Read(buf[:])
		switch {
		case err == nil && n == 0:
			// 对端关闭写，把已经读到的数据尽量写回去
			c.flush()
			c.close()
			return false
		case err == nil:
			c.pending = append(c.pending, buf[:n]...)
			if len(c.pending) >= highWater {
				c.paused = true
				return true
			}
		case socket.IsWouldBlock(err):
			return true
		case errors.Is(err, unix.EINTR):
		default:
			c.close()
			return false
		}
	}
}

func (c *conn) flush() {
	for len(c.pending) > 0 {
		n, err := c.fd.Write(c.pending)
		if socket.IsWouldBlock(err) {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			c.close()
			return
		}
		c.pending = c.pending[n:]
	}
	if len(c.pending) == 0 {
		c.pending = nil
		c.paused = false
	}
	c.updateInterest()
}

// updateInterest 根据 pending 和 paused 调整关注的事件。
// 恢复读时 Modify 会让边缘触发重新检查一次可读状态，不会漏掉暂停期间到达的数据。
func (c *conn) updateInterest() {
	if c.closed {
		return
	}
	interest := poller.EventHup
	if !c.paused {
		interest |= poller.EventRead
	}
	if len(c.pending) > 0 {
		interest |= poller.EventWrite
	}
	if interest == c.interest {
		return
	}
	if err := c.s.loop.Modify(c.fd, c.token, interest, poller.OptEdge); err != nil {
		c.close()
		return
	}
	c.interest = interest
}

func (c *conn) close() {
	if c.closed {
		return
	}
	c.closed = true
	delete(c.s.conns, c.token)
	_ = c.s.loop.Deregister(c.fd, c.token)
	_ = c.fd.Close()
	c.s.logger.Debug().Str("peer", c.peer.String()).Int64("conns", c.s.loop.ConnCount()).Log("closed")
}
