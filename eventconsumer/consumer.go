package eventconsumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"tangled.sh/tangled.sh/loom/eventconsumer/cursor"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/runner/db"
)

type ProcessFunc func(ctx context.Context, source Source, message Message) error

// Message is one event as written to the /events stream.
type Message struct {
	Rkey    string `json:"rkey"`
	Kind    string `json:"kind"`
	Created int64  `json:"created"`
	// left serialized, processFunc decodes what it needs
	EventJson string `json:"event"`
}

// Status decodes a status event message.
func (m Message) Status() (db.StatusEvent, error) {
	var s db.StatusEvent
	err := json.Unmarshal([]byte(m.EventJson), &s)
	return s, err
}

type ConsumerConfig struct {
	Sources           map[Source]struct{}
	ProcessFunc       ProcessFunc
	RetryInterval     time.Duration
	MaxRetryInterval  time.Duration
	ReconnectInterval time.Duration
	ConnectionTimeout time.Duration
	WorkerCount       int
	QueueSize         int
	Logger            *slog.Logger
	Dev               bool
	CursorStore       cursor.Store
}

func NewConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		Sources: make(map[Source]struct{}),
	}
}

type Source interface {
	// url to start streaming events from
	Url(cursor int64, dev bool) (*url.URL, error)
	// cache key for cursor storage
	Key() string
}

// Consumer follows the event streams of any number of sources,
// reconnecting from the last processed cursor whenever a stream drops.
type Consumer struct {
	wg       sync.WaitGroup
	workerWg sync.WaitGroup
	dialer   *websocket.Dialer
	connMap  sync.Map
	jobQueue chan job
	logger   *slog.Logger
	cursorMu sync.Mutex

	// rw lock over edits to ConsumerConfig
	cfgMu sync.RWMutex
	cfg   ConsumerConfig
}

type job struct {
	source  Source
	message []byte
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.Sources == nil {
		cfg.Sources = make(map[Source]struct{})
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 15 * time.Second
	}
	if cfg.MaxRetryInterval == 0 {
		cfg.MaxRetryInterval = 5 * time.Minute
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 1 * time.Minute
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		// more than one worker gives up ordering within a source
		cfg.WorkerCount = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New("consumer")
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 100
	}
	if cfg.CursorStore == nil {
		cfg.CursorStore = &cursor.MemoryStore{}
	}
	return &Consumer{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		jobQueue: make(chan job, cfg.QueueSize),
		logger:   cfg.Logger,
	}
}

func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("starting consumer", "sources", len(c.cfg.Sources), "workers", c.cfg.WorkerCount)

	for range c.cfg.WorkerCount {
		c.workerWg.Add(1)
		go c.worker(ctx)
	}

	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	for source := range c.cfg.Sources {
		c.wg.Add(1)
		go c.startConnectionLoop(ctx, source)
	}
}

// Stop closes every connection and waits for the workers. ctx passed to
// Start must be done, or about to be.
func (c *Consumer) Stop() {
	c.connMap.Range(func(_, val any) bool {
		if conn, ok := val.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})
	c.wg.Wait()
	close(c.jobQueue)
	c.workerWg.Wait()
}

func (c *Consumer) AddSource(ctx context.Context, s Source) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()

	// we are already listening to this source
	if _, ok := c.cfg.Sources[s]; ok {
		c.logger.Info("source already present", "source", s.Key())
		return
	}

	c.cfg.Sources[s] = struct{}{}
	c.wg.Add(1)
	go c.startConnectionLoop(ctx, s)
}

func (c *Consumer) worker(ctx context.Context) {
	defer c.workerWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-c.jobQueue:
			if !ok {
				return
			}

			var msg Message
			if err := json.Unmarshal(j.message, &msg); err != nil {
				c.logger.Error("error deserializing message", "source", j.source.Key(), "err", err)
				continue
			}

			if err := c.cfg.ProcessFunc(ctx, j.source, msg); err != nil {
				c.logger.Error("error processing message", "source", j.source.Key(), "rkey", msg.Rkey, "err", err)
			}

			c.advance(j.source, msg.Created)
		}
	}
}

// advance never moves a cursor backwards.
func (c *Consumer) advance(source Source, created int64) {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	if created > c.cfg.CursorStore.Get(source.Key()) {
		c.cfg.CursorStore.Set(source.Key(), created)
	}
}

func (c *Consumer) startConnectionLoop(ctx context.Context, source Source) {
	defer c.wg.Done()

	// attempt connection initially
	if err := c.runConnection(ctx, source); err != nil {
		c.logger.Error("failed to run connection", "source", source.Key(), "err", err)
	}

	timer := time.NewTimer(c.cfg.ReconnectInterval)
	defer timer.Stop()

	// every subsequent attempt is delayed
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := c.runConnection(ctx, source); err != nil {
				c.logger.Error("failed to run connection", "source", source.Key(), "err", err)
			}
			timer.Reset(c.cfg.ReconnectInterval)
		}
	}
}

func (c *Consumer) runConnection(ctx context.Context, source Source) error {
	cursor := c.cfg.CursorStore.Get(source.Key())

	u, err := source.Url(cursor, c.cfg.Dev)
	if err != nil {
		return err
	}

	c.logger.Info("connecting", "url", u.String())

	retryOpts := []retry.Option{
		retry.Attempts(0), // infinite attempts
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(c.cfg.RetryInterval),
		retry.MaxDelay(c.cfg.MaxRetryInterval),
		retry.MaxJitter(c.cfg.RetryInterval / 5),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("retrying connection",
				"source", source.Key(),
				"url", u.String(),
				"attempt", n+1,
				"err", err,
			)
		}),
		retry.Context(ctx),
	}

	var conn *websocket.Conn

	err = retry.Do(func() error {
		connCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
		defer cancel()
		conn, _, err = c.dialer.DialContext(connCtx, u.String(), nil)
		return err
	}, retryOpts...)
	if err != nil {
		return err
	}

	c.connMap.Store(source, conn)
	defer conn.Close()
	defer c.connMap.Delete(source)

	c.logger.Info("connected", "source", source.Key())

	// unblock ReadMessage when ctx ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case c.jobQueue <- job{source: source, message: msg}:
		case <-ctx.Done():
			return nil
		}
	}
}
