//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

// amio-echo 是一个基于 eventloop 的 TCP echo 服务
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/JemmyH/amio/eventloop"
	"github.com/JemmyH/amio/poller"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7070", "listen address")
	backlog := flag.Int("backlog", 128, "listen backlog")
	events := flag.Int("events", poller.DefaultEventsCapacity, "max events per select")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := logiface.LevelInformational
	if *verbose {
		level = logiface.LevelDebug
	}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(level),
	).Logger()
	poller.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := newServer(*addr, *backlog, logger, eventloop.WithEventsCapacity(*events))
	if err != nil {
		logger.Err().Err(err).Log("failed to start")
		os.Exit(1)
	}
	err = s.Serve(ctx)
	if cerr := s.Close(); cerr != nil {
		logger.Warning().Err(cerr).Log("close failed")
	}
	if err != nil {
		logger.Err().Err(err).Log("serve failed")
		os.Exit(1)
	}
	logger.Info().Log("bye")
}
