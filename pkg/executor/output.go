package executor

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/chengis/chengis/pkg/masking"
)

// Output sources.
const (
	SourceStdout = "stdout"
	SourceStderr = "stderr"
)

const (
	// flushThreshold forces a flush once this much output is buffered.
	flushThreshold = 4 * 1024
	// flushIdle flushes a partial buffer after this much quiet time.
	flushIdle = 200 * time.Millisecond
)

// SinkFunc receives masked output chunks as they flush. Chunks end on
// line boundaries except for the final flush of an unterminated line.
type SinkFunc func(source string, chunk []byte)

// Collector buffers process output per source, masks secrets, and
// forwards chunks to the sink. Masking is applied before anything leaves
// the collector; raw secret values never reach the sink.
type Collector struct {
	masker *masking.Masker
	sink   SinkFunc

	mu      sync.Mutex
	buffers map[string]*sourceBuffer
	// full accumulates everything per source for the step result.
	full map[string]*bytes.Buffer
}

type sourceBuffer struct {
	buf   bytes.Buffer
	timer *time.Timer
}

// NewCollector returns a collector masking with the given masker. A nil
// masker disables masking.
func NewCollector(masker *masking.Masker, sink SinkFunc) *Collector {
	if sink == nil {
		sink = func(string, []byte) {}
	}
	return &Collector{
		masker:  masker,
		sink:    sink,
		buffers: make(map[string]*sourceBuffer),
		full:    make(map[string]*bytes.Buffer),
	}
}

// Writer returns an io.Writer feeding the collector for one source.
func (c *Collector) Writer(source string) io.Writer {
	return &collectorWriter{c: c, source: source}
}

type collectorWriter struct {
	c      *Collector
	source string
}

func (w *collectorWriter) Write(p []byte) (int, error) {
	w.c.write(w.source, p)
	return len(p), nil
}

func (c *Collector) write(source string, p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sb, ok := c.buffers[source]
	if !ok {
		sb = &sourceBuffer{}
		c.buffers[source] = sb
	}
	sb.buf.Write(p)

	// Flush complete lines once past the threshold; otherwise arm the
	// idle timer so trickling output still surfaces promptly.
	if sb.buf.Len() >= flushThreshold {
		c.flushLocked(source, sb, false)
		return
	}
	if sb.timer == nil {
		sb.timer = time.AfterFunc(flushIdle, func() { c.flushSource(source) })
	}
}

func (c *Collector) flushSource(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sb, ok := c.buffers[source]; ok {
		c.flushLocked(source, sb, true)
	}
}

// flushLocked emits buffered output. Unless force is set, an unterminated
// trailing line stays buffered so lines are not split mid-secret.
func (c *Collector) flushLocked(source string, sb *sourceBuffer, force bool) {
	if sb.timer != nil {
		sb.timer.Stop()
		sb.timer = nil
	}
	data := sb.buf.Bytes()
	if len(data) == 0 {
		return
	}
	cut := len(data)
	if !force {
		if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
			cut = i + 1
		}
	}
	if cut == 0 {
		return
	}
	chunk := make([]byte, cut)
	copy(chunk, data[:cut])
	sb.buf.Next(cut)

	if c.masker != nil {
		chunk = []byte(c.masker.Mask(string(chunk)))
	}
	fullBuf, ok := c.full[source]
	if !ok {
		fullBuf = &bytes.Buffer{}
		c.full[source] = fullBuf
	}
	fullBuf.Write(chunk)
	c.sink(source, chunk)
}

// Flush drains every source, including unterminated lines.
func (c *Collector) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for source, sb := range c.buffers {
		c.flushLocked(source, sb, true)
	}
}

// Stdout returns everything collected on stdout, masked.
func (c *Collector) Stdout() string { return c.collected(SourceStdout) }

// Stderr returns everything collected on stderr, masked.
func (c *Collector) Stderr() string { return c.collected(SourceStderr) }

func (c *Collector) collected(source string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.full[source]; ok {
		return b.String()
	}
	return ""
}
