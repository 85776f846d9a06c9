package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/gate/eventconsumer"
	"tangled.sh/tangled.sh/gate/eventconsumer/cursor"
	"tangled.sh/tangled.sh/gate/log"
	"tangled.sh/tangled.sh/gate/runner/models"
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:   "watch",
		Usage:  "print live workflow status events from gate servers",
		Action: watch,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:     "server",
				Usage:    "server to follow, as host:port or a url",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "insecure",
				Usage: "connect with ws:// instead of wss:// when no scheme is given",
			},
			&cli.StringFlag{
				Name:  "cursor-db",
				Usage: "sqlite file remembering how far each server was read",
			},
			&cli.StringFlag{
				Name:    "cursor-redis",
				Usage:   "redis url remembering how far each server was read",
				Sources: cli.EnvVars("GATE_WATCH_REDIS_URL"),
			},
			&cli.DurationFlag{
				Name:  "retry",
				Usage: "initial reconnect backoff",
				Value: 5 * time.Second,
			},
		},
	}
}

func watch(ctx context.Context, cmd *cli.Command) error {
	l := log.FromContext(ctx)

	store, closeStore, err := cursorStore(cmd)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	defer closeStore()

	p := &statusPrinter{w: cmd.Root().Writer}
	cfg := eventconsumer.NewConsumerConfig()
	for _, s := range cmd.StringSlice("server") {
		cfg.Sources[eventconsumer.NewGateSource(s)] = struct{}{}
	}
	cfg.ProcessFunc = p.process
	cfg.RetryInterval = cmd.Duration("retry")
	cfg.Dev = cmd.Bool("insecure")
	cfg.CursorStore = store
	cfg.Logger = log.SubLogger(l, "consumer")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := eventconsumer.NewConsumer(*cfg)
	c.Start(ctx)
	<-ctx.Done()
	c.Stop()

	return nil
}

func cursorStore(cmd *cli.Command) (cursor.Store, func(), error) {
	switch {
	case cmd.String("cursor-db") != "":
		s, err := cursor.NewSQLiteStore(cmd.String("cursor-db"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case cmd.String("cursor-redis") != "":
		s, err := cursor.NewRedisStoreFromURL(cmd.String("cursor-redis"), nil)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
	return &cursor.MemoryStore{}, func() {}, nil
}

type statusPrinter struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func (p *statusPrinter) process(ctx context.Context, source eventconsumer.Source, msg eventconsumer.Message) error {
	var st models.WorkflowStatus
	if err := json.Unmarshal(msg.EventJson, &st); err != nil {
		return fmt.Errorf("decoding status event %s: %w", msg.Rkey, err)
	}

	now := time.Now()
	if p.now != nil {
		now = p.now()
	}
	line := fmt.Sprintf("%-14s %s %s %s",
		humanize.RelTime(time.Unix(0, msg.Created), now, "ago", "from now"),
		st.Pipeline, st.Workflow, st.Status,
	)
	if st.Step != nil {
		line += fmt.Sprintf(" at %q", *st.Step)
	}
	if st.ExitCode != nil {
		line += fmt.Sprintf(" (exit %d)", *st.ExitCode)
	}
	if st.Error != nil {
		line += ": " + *st.Error
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintln(p.w, line)
	return err
}
