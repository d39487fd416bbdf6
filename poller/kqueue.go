//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import (
	"fmt"
	"iter"
	"math"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

var nextID atomic.Uint64

type registration struct {
	token    Token
	interest Event
	opts     PollOpt
}

// Selector 是对一个 kqueue 实例的封装。
// kqueue 不区分 add 和 modify，这里用 regs 记录注册状态，保持与 epoll 相同的语义。
type Selector struct {
	id     uint64
	kq     int
	closed atomic.Bool

	mu   sync.Mutex
	regs map[int]registration
}

var _ Poller = (*Selector)(nil)

// NewSelector 创建一个 Selector
func NewSelector() (*Selector, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	s := &Selector{
		id:   nextID.Inc(),
		kq:   kq,
		regs: make(map[int]registration),
	}
	runtime.SetFinalizer(s, (*Selector).Close)
	log().Debug().Uint64("selector", s.id).Int("kq", kq).Log("selector created")
	return s, nil
}

func (s *Selector) ID() uint64 {
	return s.id
}

func (s *Selector) Register(fd int, token Token, interest Event, opts PollOpt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	if _, ok := s.regs[fd]; ok {
		return unix.EEXIST
	}
	next := registration{token: token, interest: interest, opts: opts}
	if err := s.apply(fd, registration{}, next); err != nil {
		return err
	}
	s.regs[fd] = next
	return nil
}

func (s *Selector) Reregister(fd int, token Token, interest Event, opts PollOpt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	prev, ok := s.regs[fd]
	if !ok {
		return unix.ENOENT
	}
	next := registration{token: token, interest: interest, opts: opts}
	if err := s.apply(fd, prev, next); err != nil {
		return err
	}
	s.regs[fd] = next
	return nil
}

func (s *Selector) Deregister(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	prev, ok := s.regs[fd]
	if !ok {
		return unix.ENOENT
	}
	delete(s.regs, fd)
	return s.apply(fd, prev, registration{})
}

// apply 把注册状态从 prev 切换到 next
func (s *Selector) apply(fd int, prev, next registration) error {
	flags := unix.EV_ADD | unix.EV_ENABLE
	if next.opts.IsEdge() && !next.opts.IsLevel() {
		flags |= unix.EV_CLEAR
	}
	if next.opts.IsOneshot() {
		flags |= unix.EV_ONESHOT
	}

	var changes [2]unix.Kevent_t
	n := 0
	for _, f := range [...]struct {
		filter int
		kind   Event
	}{{unix.EVFILT_READ, EventRead}, {unix.EVFILT_WRITE, EventWrite}} {
		switch {
		case next.interest&f.kind != 0:
			unix.SetKevent(&changes[n], fd, f.filter, flags)
			n++
		case prev.interest&f.kind != 0:
			unix.SetKevent(&changes[n], fd, f.filter, unix.EV_DELETE)
			n++
		}
	}
	if n == 0 {
		return nil
	}
	_, err := unix.Kevent(s.kq, changes[:n], nil, nil)
	runtime.KeepAlive(s)
	if err == unix.ENOENT && next.interest == EventNone {
		// oneshot 的过滤器在触发后已经被内核删除
		return nil
	}
	return err
}

// Select 的语义与 epoll 版本相同，关闭后返回 ErrClosed，events 是零值时按 DefaultEventsCapacity 分配缓冲区
func (s *Selector) Select(events *Events, timeout time.Duration) error {
	if s.closed.Load() {
		events.buf = events.buf[:0]
		events.tokens = events.tokens[:0]
		return ErrClosed
	}
	if cap(events.buf) == 0 {
		events.buf = make([]unix.Kevent_t, 0, DefaultEventsCapacity)
		events.tokens = make([]Token, 0, DefaultEventsCapacity)
	}
	var ts *unix.Timespec
	if timeout >= 0 {
		if timeout > math.MaxInt32*time.Millisecond {
			timeout = math.MaxInt32 * time.Millisecond
		}
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	buf := events.buf[:cap(events.buf)]
	n, err := unix.Kevent(s.kq, nil, buf, ts)
	runtime.KeepAlive(s)
	events.buf = events.buf[:0]
	events.tokens = events.tokens[:0]
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		reg, ok := s.regs[int(buf[i].Ident)]
		if !ok {
			// 在 kevent 返回之后被 Deregister 了
			continue
		}
		events.buf = append(events.buf, buf[i])
		events.tokens = append(events.tokens, reg.token)
	}
	return nil
}

func (s *Selector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	runtime.SetFinalizer(s, nil)
	if err := unix.Close(s.kq); err != nil {
		log().Warning().Uint64("selector", s.id).Int("kq", s.kq).Err(err).Log("failed to close selector")
		return nil
	}
	log().Debug().Uint64("selector", s.id).Log("selector closed")
	return nil
}

func (s *Selector) String() string {
	return fmt.Sprintf("Selector{id: %d, kq: %d}", s.id, s.kq)
}

// Events 是 Select 返回的就绪事件缓冲区。kqueue 的 udata 在各个 BSD 上类型不一致，
// Token 单独存放在 tokens 中。
type Events struct {
	buf    []unix.Kevent_t
	tokens []Token
}

func NewEvents(capacity int) *Events {
	if capacity <= 0 {
		capacity = DefaultEventsCapacity
	}
	return &Events{
		buf:    make([]unix.Kevent_t, 0, capacity),
		tokens: make([]Token, 0, capacity),
	}
}

func (e *Events) Len() int { return len(e.buf) }

func (e *Events) Cap() int { return cap(e.buf) }

func (e *Events) Get(i int) (Event, Token) {
	ev := &e.buf[i]
	kind := EventNone
	switch ev.Filter {
	case unix.EVFILT_READ:
		kind |= EventRead
	case unix.EVFILT_WRITE:
		kind |= EventWrite
	}
	if ev.Flags&unix.EV_EOF != 0 {
		kind |= EventHup
		if ev.Fflags != 0 {
			kind |= EventErr
		}
	}
	if ev.Flags&unix.EV_ERROR != 0 {
		kind |= EventErr
	}
	return kind, e.tokens[i]
}

func (e *Events) All() iter.Seq2[Event, Token] {
	return func(yield func(Event, Token) bool) {
		for i := range e.buf {
			if !yield(e.Get(i)) {
				return
			}
		}
	}
}
