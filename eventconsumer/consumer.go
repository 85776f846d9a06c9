// Package eventconsumer follows the /events stream of one or more gate
// servers, reconnecting on failure and resuming from a stored cursor.
package eventconsumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"tangled.sh/tangled.sh/gate/eventconsumer/cursor"
	"tangled.sh/tangled.sh/gate/log"

	"github.com/gorilla/websocket"
)

// ProcessFunc handles one event. Errors are logged; the cursor moves past
// the event either way.
type ProcessFunc func(ctx context.Context, source Source, message Message) error

// Message is one frame of a server's event stream.
type Message struct {
	Rkey    string `json:"rkey"`
	Kind    string `json:"kind"`
	Created int64  `json:"created"`
	// left raw, the ProcessFunc decodes it according to Kind
	EventJson json.RawMessage `json:"event"`
}

// Source is a server whose events are followed.
type Source interface {
	// Url to stream from, resuming after cursor.
	Url(cursor int64, dev bool) (*url.URL, error)
	// Key identifies the source in the cursor store.
	Key() string
}

type ConsumerConfig struct {
	Sources     map[Source]struct{}
	ProcessFunc ProcessFunc
	CursorStore cursor.Store
	Logger      *slog.Logger
	Dev         bool

	// dial backoff
	RetryInterval     time.Duration
	MaxRetryInterval  time.Duration
	ConnectionTimeout time.Duration
	// pause between a dropped connection and the next attempt
	ReconnectDelay time.Duration

	// more than one worker gives up on in-order processing
	WorkerCount int
	QueueSize   int
}

func NewConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		Sources: make(map[Source]struct{}),
	}
}

func (cfg *ConsumerConfig) setDefaults() {
	durations := []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&cfg.RetryInterval, 5 * time.Second},
		{&cfg.MaxRetryInterval, 5 * time.Minute},
		{&cfg.ConnectionTimeout, 10 * time.Second},
		{&cfg.ReconnectDelay, 5 * time.Second},
	}
	for _, d := range durations {
		if *d.v <= 0 {
			*d.v = d.def
		}
	}

	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New("consumer")
	}
	if cfg.CursorStore == nil {
		cfg.CursorStore = &cursor.MemoryStore{}
	}
	if cfg.Sources == nil {
		cfg.Sources = make(map[Source]struct{})
	}
}

type delivery struct {
	source Source
	msg    Message
}

type Consumer struct {
	cfg    ConsumerConfig
	logger *slog.Logger
	dialer *websocket.Dialer

	deliveries chan delivery

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	conns   map[Source]*websocket.Conn

	wg sync.WaitGroup
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	cfg.setDefaults()
	return &Consumer{
		cfg:        cfg,
		logger:     cfg.Logger,
		dialer:     websocket.DefaultDialer,
		deliveries: make(chan delivery, cfg.QueueSize),
		conns:      make(map[Source]*websocket.Conn),
	}
}

// Start launches the workers and one connection per configured source.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	c.logger.Info("starting consumer", "sources", len(c.cfg.Sources), "workers", c.cfg.WorkerCount)

	for range c.cfg.WorkerCount {
		c.wg.Add(1)
		go c.work(c.ctx)
	}
	for s := range c.cfg.Sources {
		c.follow(s)
	}
}

// Stop closes every connection and waits for the workers to return.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	for _, conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// AddSource starts following s. Sources already followed are ignored.
func (c *Consumer) AddSource(ctx context.Context, s Source) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.cfg.Sources[s]; ok {
		c.logger.Info("source already present", "source", s.Key())
		return
	}
	c.cfg.Sources[s] = struct{}{}

	if c.started {
		c.follow(s)
	}
}

// follow must be called with mu held.
func (c *Consumer) follow(s Source) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnectLoop(c.ctx, s)
	}()
}

func (c *Consumer) work(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-c.deliveries:
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d delivery) {
	key := d.source.Key()
	if err := c.cfg.ProcessFunc(ctx, d.source, d.msg); err != nil {
		c.logger.Error("error processing message", "source", key, "rkey", d.msg.Rkey, "err", err)
	}

	// the server resumes strictly after the stored value
	if d.msg.Created > c.cfg.CursorStore.Get(key) {
		c.cfg.CursorStore.Set(key, d.msg.Created)
	}
}

func (c *Consumer) trackConn(s Source, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn == nil {
		delete(c.conns, s)
		return
	}
	c.conns[s] = conn
}
