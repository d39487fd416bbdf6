//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package eventloop

import (
	"errors"
	"time"

	"github.com/JemmyH/amio/poller"
	"github.com/joeycumines/logiface"
)

type options struct {
	logger         *logiface.Logger[logiface.Event]
	eventsCapacity int
	pollTimeout    time.Duration
}

// Option 配置 EventLoop
type Option interface {
	apply(*options) error
}

type optionFunc func(*options) error

func (f optionFunc) apply(o *options) error {
	return f(o)
}

// WithLogger 设置 loop 使用的日志，默认不输出日志
func WithLogger(l *logiface.Logger[logiface.Event]) Option {
	return optionFunc(func(o *options) error {
		o.logger = l
		return nil
	})
}

// WithEventsCapacity 设置每次 Select 最多返回的事件数
func WithEventsCapacity(n int) Option {
	return optionFunc(func(o *options) error {
		if n <= 0 {
			return errors.New("eventloop: events capacity must be positive")
		}
		o.eventsCapacity = n
		return nil
	})
}

// WithPollTimeout 设置单次 Select 的超时时间，默认 poller.Forever。
// loop 的退出依赖 Awakener，不需要靠超时轮询。
func WithPollTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) error {
		o.pollTimeout = d
		return nil
	})
}

func resolveOptions(opts []Option) (*options, error) {
	o := &options{
		eventsCapacity: poller.DefaultEventsCapacity,
		pollTimeout:    poller.Forever,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}
