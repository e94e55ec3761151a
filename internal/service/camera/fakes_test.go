package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ppegate/internal/dto"
	"ppegate/internal/model"
)

var errReadFailed = errors.New("read failed")

type fakeFrame struct {
	data []byte
	err  error
}

func (f *fakeFrame) JPEG() ([]byte, error) { return f.data, f.err }
func (f *fakeFrame) Close() error          { return nil }

// fakeCapture fails the n-th read or grab (1-based) when fail(n) is true.
// Frames returned while encodeFails is set cannot be encoded.
type fakeCapture struct {
	fail        func(n int64) bool
	encodeFails atomic.Bool
	count       atomic.Int64
	reads       atomic.Int64
	grabs       atomic.Int64
	closed      atomic.Bool
}

func (c *fakeCapture) next() error {
	time.Sleep(time.Millisecond)
	n := c.count.Add(1)
	if c.fail != nil && c.fail(n) {
		return errReadFailed
	}
	return nil
}

func (c *fakeCapture) Grab() error {
	if err := c.next(); err != nil {
		return err
	}
	c.grabs.Add(1)
	return nil
}

func (c *fakeCapture) Read() (Frame, error) {
	if err := c.next(); err != nil {
		return nil, err
	}
	c.reads.Add(1)
	if c.encodeFails.Load() {
		return &fakeFrame{err: errors.New("encode failed")}, nil
	}
	return &fakeFrame{data: []byte{0xFF, 0xD8, 0xFF, 0xD9}}, nil
}

func (c *fakeCapture) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeOpener hands out captures built by newCapture; a nil capture means the open fails.
type fakeOpener struct {
	mu         sync.Mutex
	opens      int
	captures   []*fakeCapture
	newCapture func(attempt int) *fakeCapture
}

func (o *fakeOpener) Open(ctx context.Context, cam model.Camera) (Capture, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.opens++
	c := &fakeCapture{}
	if o.newCapture != nil {
		c = o.newCapture(o.opens)
	}
	if c == nil {
		return nil, errors.New("cannot open source")
	}
	o.captures = append(o.captures, c)
	return c, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func (o *fakeOpener) capture(i int) *fakeCapture {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i >= len(o.captures) {
		return nil
	}
	return o.captures[i]
}

type fakeDetector struct {
	labels atomic.Value // []string
	err    error
	panics bool
	calls  atomic.Int64
}

func newFakeDetector(labels ...string) *fakeDetector {
	d := &fakeDetector{}
	d.labels.Store(labels)
	return d
}

func (d *fakeDetector) set(labels ...string) {
	d.labels.Store(labels)
}

func (d *fakeDetector) Detect(frame Frame) ([]dto.DetectionResult, error) {
	d.calls.Add(1)
	if d.panics {
		panic("model crashed")
	}
	if d.err != nil {
		return nil, d.err
	}
	var results []dto.DetectionResult
	for _, label := range d.labels.Load().([]string) {
		results = append(results, dto.DetectionResult{Label: label, Confidence: 0.9})
	}
	return results, nil
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testOptions() Options {
	return Options{
		SkipFactor:        1,
		ReconnectInterval: 20 * time.Millisecond,
		MaxReadFailures:   5,
		StopTimeout:       time.Second,
	}
}

func testCamera(id int64) model.Camera {
	return model.Camera{ID: id, Name: "cam", Source: "0", Enabled: true}
}
