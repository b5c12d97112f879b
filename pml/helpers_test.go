package pml

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rocketbitz/pml-go/comm"
	"github.com/rocketbitz/pml-go/datatype"
)

func newWorld(t *testing.T, size int) *comm.Communicator {
	t.Helper()
	procs := make([]*comm.Proc, size)
	for i := range procs {
		procs[i] = comm.NewProc(i, "rank", datatype.NativeOrder())
	}
	c, err := comm.New("world", 0, procs)
	if err != nil {
		t.Fatalf("comm.New failed: %v", err)
	}
	t.Cleanup(c.Free)
	return c
}

func newDerived(t *testing.T, elements int) *datatype.Datatype {
	t.Helper()
	dt, err := datatype.Contiguous(elements, datatype.Int64)
	if err != nil {
		t.Fatalf("Contiguous failed: %v", err)
	}
	t.Cleanup(dt.Free)
	return dt
}

// strictConverter fails the test whenever any part of the sizing contract is used.
type strictConverter struct {
	t     *testing.T
	calls atomic.Int32
}

func (c *strictConverter) Copy() datatype.Converter {
	c.calls.Add(1)
	c.t.Errorf("converter template copied")
	return c
}

func (c *strictConverter) PrepareForSend(*datatype.Datatype, int, []byte) error {
	c.calls.Add(1)
	c.t.Errorf("converter prepared")
	return nil
}

func (c *strictConverter) PackedSize() int {
	c.calls.Add(1)
	c.t.Errorf("converter sized")
	return 0
}

type fakeTransport struct {
	mu      sync.Mutex
	posted  []*SendRequest
	ready   []*Completion
	postErr error
	pollErr error
	closed  bool
	// auto completes every request as soon as it is posted.
	auto bool
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Post(r *SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return f.postErr
	}
	if f.auto {
		f.ready = append(f.ready, &Completion{Request: r, Bytes: r.PackedSize()})
		return nil
	}
	f.posted = append(f.posted, r)
	return nil
}

func (f *fakeTransport) Poll() (*Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if len(f.ready) == 0 {
		return nil, ErrNoCompletion
	}
	c := f.ready[0]
	f.ready = f.ready[1:]
	return c, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// finishAll reports every posted request as delivered in full.
func (f *fakeTransport) finishAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.posted {
		c := &Completion{Request: r, Bytes: r.PackedSize()}
		if r.Cancelled() {
			c = &Completion{Request: r, Cancelled: true}
		}
		f.ready = append(f.ready, c)
	}
	f.posted = nil
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.posted {
		f.ready = append(f.ready, &Completion{Request: r, Err: err})
	}
	f.posted = nil
}

func (f *fakeTransport) setPollErr(err error) {
	f.mu.Lock()
	f.pollErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) postedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posted)
}

func newManualEngine(t *testing.T, cfg Config) (*Engine, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	cfg.Transport = ft
	cfg.ManualProgress = true
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, ft
}
