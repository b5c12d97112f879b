// Package transport provides an in-process loopback transport for the pml
// engine. Payloads are packed by a bounded worker pool and delivered into
// per-rank inboxes; completions are queued until the engine polls them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
	"github.com/gammazero/workerpool"
	"go.uber.org/zap"

	"github.com/rocketbitz/pml-go/datatype"
	"github.com/rocketbitz/pml-go/pml"
)

// ErrClosed is returned once the transport has been closed.
var ErrClosed = errors.New("transport: closed")

const defaultWorkers = 4

// Config controls the loopback transport.
type Config struct {
	// Workers bounds concurrent packing. Defaults to 4.
	Workers int
	Logger  *zap.Logger
}

// Message is a delivered payload.
type Message struct {
	Comm    string
	Source  int
	Tag     int
	Mode    pml.SendMode
	Payload []byte
}

var _ pml.Transport = (*Loopback)(nil)

// Loopback delivers sends to inboxes in the same process.
type Loopback struct {
	log  *zap.Logger
	pool *workerpool.WorkerPool

	// postMu is held shared by Post and exclusively by Close while it flips
	// closed, so no Submit can race StopWait.
	postMu sync.RWMutex

	mu          sync.Mutex
	completions *deque.Deque[*pml.Completion]
	inboxes     map[int]*Inbox
	closed      bool
}

// NewLoopback starts a loopback transport.
func NewLoopback(cfg Config) *Loopback {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Loopback{
		log:         log.Named("loopback"),
		pool:        workerpool.New(cfg.Workers),
		completions: deque.New[*pml.Completion](),
		inboxes:     make(map[int]*Inbox),
	}
}

// Name identifies the transport in engine telemetry.
func (l *Loopback) Name() string { return "loopback" }

// Post accepts an active request. Buffered sends are packed before Post
// returns; the other modes are packed on a worker.
func (l *Loopback) Post(r *pml.SendRequest) error {
	if r == nil {
		return errors.New("transport: nil request")
	}
	l.postMu.RLock()
	defer l.postMu.RUnlock()
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if r.Mode() == pml.SendBuffered {
		payload, err := pack(r)
		if err != nil {
			return err
		}
		l.deliver(r, payload, false)
		return nil
	}

	l.pool.Submit(func() {
		if r.Cancelled() {
			l.log.Debug("send cancelled before packing", zap.Stringer("request_id", r.ID()))
			l.push(&pml.Completion{Request: r, Cancelled: true})
			return
		}
		payload, err := pack(r)
		if err != nil {
			l.log.Warn("pack failed", zap.Stringer("request_id", r.ID()), zap.Error(err))
			l.push(&pml.Completion{Request: r, Err: err})
			return
		}
		l.deliver(r, payload, r.Mode() == pml.SendSynchronous)
	})
	return nil
}

// Poll returns the next completion, or pml.ErrNoCompletion.
func (l *Loopback) Poll() (*pml.Completion, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.completions.Len() == 0 {
		return nil, pml.ErrNoCompletion
	}
	return l.completions.PopFront(), nil
}

// Close waits for in-flight packing, then discards undelivered messages.
// Synchronous sends still waiting for a receiver complete with ErrClosed.
func (l *Loopback) Close() error {
	l.postMu.Lock()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.postMu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.postMu.Unlock()

	l.pool.StopWait()

	l.mu.Lock()
	inboxes := make([]*Inbox, 0, len(l.inboxes))
	for _, in := range l.inboxes {
		inboxes = append(inboxes, in)
	}
	l.mu.Unlock()

	for _, in := range inboxes {
		in.close()
	}
	l.log.Debug("closed", zap.Int("inboxes", len(inboxes)))
	return nil
}

// Inbox returns the inbox for rank, creating it on first use.
func (l *Loopback) Inbox(rank int) *Inbox {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.inboxes[rank]
	if !ok {
		in = newInbox(l)
		in.closed = l.closed
		l.inboxes[rank] = in
	}
	return in
}

func (l *Loopback) push(c *pml.Completion) {
	l.mu.Lock()
	l.completions.PushBack(c)
	l.mu.Unlock()
}

// deliver enqueues the payload at the destination. A synchronous send
// completes when a receiver takes the message; the rest complete now.
//
// Once a synchronous envelope is in the inbox the receiver may complete, free
// and recycle r, so everything read from r is captured before put.
func (l *Loopback) deliver(r *pml.SendRequest, payload []byte, synchronous bool) {
	id, peer := r.ID(), r.Peer()
	msg := Message{
		Comm:    r.Communicator().Name(),
		Source:  r.Communicator().Rank(),
		Tag:     r.Tag(),
		Mode:    r.Mode(),
		Payload: payload,
	}
	env := &envelope{msg: msg}
	if synchronous {
		env.req = r
		env.bytes = len(payload)
	}
	l.Inbox(peer).put(env)

	l.log.Debug("delivered",
		zap.Stringer("request_id", id),
		zap.Int("peer", peer),
		zap.Int("tag", msg.Tag),
		zap.Stringer("mode", msg.Mode),
		zap.Int("bytes", len(payload)),
	)
	if !synchronous {
		l.push(&pml.Completion{Request: r, Bytes: len(payload)})
	}
}

// pack builds a transmission converter for the peer's byte order; the
// request's sizing converter is never used to move data.
func pack(r *pml.SendRequest) ([]byte, error) {
	if r.Count() == 0 {
		return nil, nil
	}
	conv := datatype.NewConvertor(r.Proc().Order)
	if err := conv.PrepareForSend(r.Datatype(), r.Count(), r.Buffer()); err != nil {
		return nil, fmt.Errorf("transport: prepare: %w", err)
	}
	payload, err := conv.PackAll()
	if err != nil {
		return nil, fmt.Errorf("transport: pack: %w", err)
	}
	return payload, nil
}

type envelope struct {
	msg Message
	// req is set for synchronous sends awaiting a receiver.
	req      *pml.SendRequest
	bytes    int
	resolved atomic.Bool
}

func (e *envelope) resolve(l *Loopback, err error) {
	if e.req == nil || !e.resolved.CompareAndSwap(false, true) {
		return
	}
	if err != nil {
		l.push(&pml.Completion{Request: e.req, Err: err})
		return
	}
	l.push(&pml.Completion{Request: e.req, Bytes: e.bytes})
}

// Inbox holds messages delivered to one rank in arrival order.
type Inbox struct {
	owner *Loopback

	mu     sync.Mutex
	queue  *deque.Deque[*envelope]
	wake   chan struct{}
	closed bool
}

func newInbox(owner *Loopback) *Inbox {
	return &Inbox{
		owner: owner,
		queue: deque.New[*envelope](),
		wake:  make(chan struct{}),
	}
}

func (in *Inbox) put(env *envelope) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		env.resolve(in.owner, ErrClosed)
		return
	}
	in.queue.PushBack(env)
	close(in.wake)
	in.wake = make(chan struct{})
}

// Next blocks until a message arrives, ctx is done or the transport closes.
func (in *Inbox) Next(ctx context.Context) (Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		in.mu.Lock()
		if in.queue.Len() > 0 {
			env := in.queue.PopFront()
			in.mu.Unlock()
			env.resolve(in.owner, nil)
			return env.msg, nil
		}
		if in.closed {
			in.mu.Unlock()
			return Message{}, ErrClosed
		}
		wake := in.wake
		in.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-wake:
		}
	}
}

// Len reports how many messages are waiting.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.queue.Len()
}

func (in *Inbox) close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	pending := make([]*envelope, 0, in.queue.Len())
	for in.queue.Len() > 0 {
		pending = append(pending, in.queue.PopFront())
	}
	close(in.wake)
	in.mu.Unlock()

	for _, env := range pending {
		env.resolve(in.owner, ErrClosed)
	}
}
