// Package zmqsub subscribes to a Bitcoin node's ZeroMQ hashtx/hashblock
// (and optionally rawtx/rawblock/sequence) publishers and hands decoded
// frames to a handler through a bounded queue drained by a single worker
// goroutine. When the queue is full the socket read loop waits.
package zmqsub

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

var ErrInvalidConfig = errors.New("zmqsub: invalid config")

// Topic names a ZMQ notification channel bitcoind can publish.
type Topic string

const (
	TopicHashTx    Topic = "hashtx"
	TopicHashBlock Topic = "hashblock"
	TopicRawTx     Topic = "rawtx"
	TopicRawBlock  Topic = "rawblock"
	TopicSequence  Topic = "sequence"
)

// Endpoints maps each topic this deployment wants to a "tcp://host:port"
// ZMQ PUB endpoint. A Subscriber with no endpoints is inert: Start
// returns immediately and the system degrades to polling.
type Endpoints map[Topic]string

// Frame is a decoded ZMQ notification frame: 32-byte hash plus the 4-byte
// little-endian sequence counter bitcoind appends to every frame.
type Frame struct {
	Topic    Topic
	HashHex  string
	Payload  []byte
	Sequence uint32
}

// Handler processes one decoded frame. Frames are handled one at a time,
// in arrival order, by a single worker goroutine fed from a bounded queue
// (default 256 frames). A slow handler delays every later frame, and once
// the queue is full the socket read loop blocks until the worker catches up.
type Handler func(ctx context.Context, f Frame)

// Subscriber owns one ZMQ SUB socket per configured topic.
type Subscriber struct {
	endpoints   Endpoints
	handler     Handler
	log         *slog.Logger
	queueSize   int
	drainDeadline time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	queue   chan Frame
	started bool
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithQueueSize bounds the in-memory frame queue (default 256).
func WithQueueSize(n int) Option {
	return func(s *Subscriber) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithDrainDeadline bounds how long Stop waits for the queue to drain
// (default 5s).
func WithDrainDeadline(d time.Duration) Option {
	return func(s *Subscriber) {
		if d > 0 {
			s.drainDeadline = d
		}
	}
}

// New builds a Subscriber. endpoints may be empty, in which case Start is
// a no-op.
func New(endpoints Endpoints, handler Handler, log *slog.Logger, opts ...Option) (*Subscriber, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrInvalidConfig)
	}
	if log == nil {
		return nil, fmt.Errorf("%w: nil logger", ErrInvalidConfig)
	}
	s := &Subscriber{
		endpoints:     endpoints,
		handler:       handler,
		log:           log,
		queueSize:     256,
		drainDeadline: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start connects one socket per configured topic and begins dispatching
// frames to workers. Inert (returns nil immediately) when no endpoints
// are configured.
func (s *Subscriber) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("%w: nil subscriber", ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if len(s.endpoints) == 0 {
		s.log.Info("zmqsub: no endpoints configured, subscriber inert")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.queue = make(chan Frame, s.queueSize)
	s.started = true

	s.wg.Add(1)
	go s.runWorkers(runCtx)

	for topic, endpoint := range s.endpoints {
		sock := zmq4.NewSub(runCtx)
		if err := sock.Dial(endpoint); err != nil {
			cancel()
			return fmt.Errorf("zmqsub: dial %s at %s: %w", topic, endpoint, err)
		}
		if err := sock.SetOption(zmq4.OptionSubscribe, string(topic)); err != nil {
			cancel()
			return fmt.Errorf("zmqsub: subscribe %s: %w", topic, err)
		}
		s.wg.Add(1)
		go s.readLoop(runCtx, topic, sock)
	}
	return nil
}

func (s *Subscriber) readLoop(ctx context.Context, topic Topic, sock zmq4.Socket) {
	defer s.wg.Done()
	defer sock.Close()
	for {
		msg, err := sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("zmqsub: recv error", "topic", topic, "err", err)
			continue
		}
		f, err := decodeFrame(topic, msg.Frames)
		if err != nil {
			s.log.Warn("zmqsub: decode error", "topic", topic, "err", err)
			continue
		}
		select {
		case s.queue <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscriber) runWorkers(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case f := <-s.queue:
			s.handler(ctx, f)
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

func (s *Subscriber) drain() {
	deadline := time.Now().Add(s.drainDeadline)
	for time.Now().Before(deadline) {
		select {
		case f := <-s.queue:
			s.handler(context.Background(), f)
		default:
			return
		}
	}
}

// Stop unsubscribes every socket and waits (up to the drain deadline) for
// queued frames to finish. A subsequent Start is allowed.
func (s *Subscriber) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.started = false
}

func decodeFrame(topic Topic, frames [][]byte) (Frame, error) {
	if len(frames) < 2 {
		return Frame{}, fmt.Errorf("zmqsub: expected at least 2 frames, got %d", len(frames))
	}
	body := frames[1]
	var seq uint32
	if len(frames) >= 3 && len(frames[2]) >= 4 {
		seq = binary.LittleEndian.Uint32(frames[2])
	} else if len(body) >= 4 {
		seq = binary.LittleEndian.Uint32(body[len(body)-4:])
	}

	switch topic {
	case TopicHashTx, TopicHashBlock:
		if len(body) < 32 {
			return Frame{}, fmt.Errorf("zmqsub: %s frame too short: %d bytes", topic, len(body))
		}
		return Frame{Topic: topic, HashHex: hex.EncodeToString(reverse(body[:32])), Sequence: seq}, nil
	default:
		return Frame{Topic: topic, Payload: body, Sequence: seq}, nil
	}
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
