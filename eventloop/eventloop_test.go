//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package eventloop

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/JemmyH/amio/poller"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const waitTimeout = 5 * time.Second

func newLoop(t *testing.T, opts ...Option) *EventLoop {
	t.Helper()
	l, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// start 在后台运行 l，返回 Run 的结果
func start(t *testing.T, l *EventLoop, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		l.Stop()
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Error("event loop did not stop")
		}
	})
	return done
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func newPipe(t *testing.T) (*poller.FD, *poller.FD) {
	t.Helper()
	r, w, err := poller.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	return r, w
}

func TestNew_InvalidOption(t *testing.T) {
	_, err := New(WithEventsCapacity(0))
	assert.Error(t, err)
}

func TestNew_NilOption(t *testing.T) {
	l := newLoop(t, nil, WithPollTimeout(time.Second))
	assert.Equal(t, time.Second, l.opts.pollTimeout)
	assert.Equal(t, poller.DefaultEventsCapacity, l.opts.eventsCapacity)
}

func TestPost_FIFO(t *testing.T) {
	l := newLoop(t)
	start(t, l, context.Background())

	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Post(func() { close(done) }))
	wait(t, done)

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestPost_FromManyGoroutines(t *testing.T) {
	l := newLoop(t)
	start(t, l, context.Background())

	const workers, each = 8, 50
	var count int
	finished := make(chan struct{})
	for w := 0; w < workers; w++ {
		go func() {
			for i := 0; i < each; i++ {
				_ = l.Post(func() {
					count++
					if count == workers*each {
						close(finished)
					}
				})
			}
		}()
	}
	wait(t, finished)
}

func TestRun_Stop(t *testing.T) {
	l := newLoop(t)
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	ran := make(chan struct{})
	require.NoError(t, l.Post(func() { close(ran) }))
	wait(t, ran)

	l.Stop()
	assert.NoError(t, wait(t, done))
}

func TestRun_StopBeforeRun(t *testing.T) {
	l := newLoop(t)
	l.Stop()
	assert.NoError(t, l.Run(context.Background()))
}

func TestRun_ContextCancel(t *testing.T) {
	l := newLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	ran := make(chan struct{})
	require.NoError(t, l.Post(func() { close(ran) }))
	wait(t, ran)

	cancel()
	assert.ErrorIs(t, wait(t, done), context.Canceled)
}

func TestRun_AlreadyRunning(t *testing.T) {
	l := newLoop(t)
	start(t, l, context.Background())

	ran := make(chan struct{})
	require.NoError(t, l.Post(func() { close(ran) }))
	wait(t, ran)

	assert.ErrorIs(t, l.Run(context.Background()), ErrAlreadyRunning)
}

func TestRegister_Dispatch(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)

	got := make(chan string, 4)
	token, err := l.Register(r, poller.EventRead, poller.OptEdge, func(ev poller.Event) {
		assert.True(t, ev.IsReadable())
		buf := make([]byte, 64)
		for {
			n, err := r.Read(buf)
			if err != nil || n == 0 {
				return
			}
			got <- string(buf[:n])
		}
	})
	require.NoError(t, err)
	assert.NotEqual(t, WakeToken, token)
	assert.Equal(t, int64(1), l.ConnCount())

	start(t, l, context.Background())
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", wait(t, got))

	require.NoError(t, l.Deregister(r, token))
	assert.Equal(t, int64(0), l.ConnCount())
}

func TestRegister_TokensAreDistinct(t *testing.T) {
	l := newLoop(t)
	seen := map[poller.Token]bool{}
	for i := 0; i < 4; i++ {
		r, _ := newPipe(t)
		tok, err := l.Register(r, poller.EventRead, poller.OptLevel, func(poller.Event) {})
		require.NoError(t, err)
		assert.False(t, seen[tok])
		seen[tok] = true
	}
	assert.Equal(t, int64(4), l.ConnCount())
}

func TestRegister_Failure(t *testing.T) {
	l := newLoop(t)
	_, err := l.Register(poller.NewFD(-1), poller.EventRead, poller.OptLevel, func(poller.Event) {})
	assert.ErrorIs(t, err, unix.EBADF)
	assert.Equal(t, int64(0), l.ConnCount())
	assert.Empty(t, l.handlers)
}

func TestModify(t *testing.T) {
	l := newLoop(t)
	_, w := newPipe(t)

	writable := make(chan struct{}, 1)
	token, err := l.Register(w, poller.EventRead, poller.OptEdge, func(ev poller.Event) {
		if ev.IsWritable() {
			select {
			case writable <- struct{}{}:
			default:
			}
		}
	})
	require.NoError(t, err)
	start(t, l, context.Background())

	require.NoError(t, l.Modify(w, token, poller.EventWrite, poller.OptEdge))
	wait(t, writable)
}

func TestHandlerPanicRecovered(t *testing.T) {
	var buf bytes.Buffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
	l := newLoop(t, WithLogger(logger))

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	ran := make(chan struct{})
	require.NoError(t, l.Post(func() { panic("boom") }))
	require.NoError(t, l.Post(func() { close(ran) }))
	wait(t, ran)

	l.Stop()
	require.NoError(t, wait(t, done))

	out := buf.String()
	assert.Contains(t, out, `"msg":"recovered from handler panic"`)
	assert.Contains(t, out, `"msg":"event loop started"`)
	assert.Contains(t, out, `"msg":"event loop stopped"`)
}

func TestClose(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.NoError(t, l.Close())

	assert.ErrorIs(t, l.Post(func() {}), ErrLoopClosed)
	assert.ErrorIs(t, l.Run(context.Background()), ErrLoopClosed)

	r, w, err := poller.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	_, err = l.Register(r, poller.EventRead, poller.OptLevel, func(poller.Event) {})
	assert.ErrorIs(t, err, ErrLoopClosed)
	l.Stop()
}

func TestDeregister_RejectedKeepsHandler(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)

	got := make(chan struct{}, 1)
	token, err := l.Register(r, poller.EventRead, poller.OptEdge, func(poller.Event) {
		select {
		case got <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	// other 已经属于另一个 Selector
	other, err := poller.NewSelector()
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })
	r2, _ := newPipe(t)
	require.NoError(t, r2.Register(other, 1, poller.EventRead, poller.OptLevel))

	err = l.Deregister(r2, token)
	assert.ErrorIs(t, err, poller.ErrSelectorMismatch)
	assert.Equal(t, int64(1), l.ConnCount())

	start(t, l, context.Background())
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	wait(t, got)
}

func TestDeregister_AlreadyGoneFromKernel(t *testing.T) {
	l := newLoop(t)
	r, _ := newPipe(t)
	token, err := l.Register(r, poller.EventRead, poller.OptLevel, func(poller.Event) {})
	require.NoError(t, err)

	require.NoError(t, l.Selector().Deregister(r.Fd()))
	assert.ErrorIs(t, l.Deregister(r, token), unix.ENOENT)
	assert.Equal(t, int64(0), l.ConnCount())
	assert.Empty(t, l.handlers)
}
