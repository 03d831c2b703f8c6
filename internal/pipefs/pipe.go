package pipefs

import (
	"context"
	"sync"
	"time"

	"github.com/xila-project/core/internal/flags"
	"github.com/xila-project/core/internal/kernelerrors"
	"github.com/xila-project/core/internal/scheduler"
)

// pollDelay is the bounded sleep a blocking read/write loops through
// between readiness checks, per spec.md §4.5 ("blocking I/O loops must
// yield via sleep with a small bounded delay when polling non-ready
// conditions").
const pollDelay = 2 * time.Millisecond

// Pipe is the reference-counted (ring_buffer, read_waker, write_waker)
// object of spec.md §4.3. The last Close that drops either the reader or
// writer count to zero wakes the opposite direction so blocked peers can
// observe EOF (see SPEC_FULL.md's pipe-EOF resolution).
type Pipe struct {
	mu         sync.Mutex
	buffer     *ringBuffer
	readWaker  *waker
	writeWaker *waker
	readers    int
	writers    int
}

// newPipe allocates a Pipe with the given fixed ring-buffer capacity.
func newPipe(capacity int) *Pipe {
	return &Pipe{
		buffer:     newRingBuffer(capacity),
		readWaker:  newWaker(),
		writeWaker: newWaker(),
	}
}

// addReader/addWriter/dropReader/dropWriter track open reference counts
// per direction so EOF can be detected once the opposite side's last
// reference is closed (spec.md §9 open question, resolved in
// SPEC_FULL.md).
func (p *Pipe) addReader() {
	p.mu.Lock()
	p.readers++
	p.mu.Unlock()
}

func (p *Pipe) addWriter() {
	p.mu.Lock()
	p.writers++
	p.mu.Unlock()
}

func (p *Pipe) dropReader() {
	p.mu.Lock()
	p.readers--
	remaining := p.readers
	p.mu.Unlock()
	if remaining == 0 {
		p.writeWaker.Wake() // wake blocked writers: no reader will ever drain them
	}
}

func (p *Pipe) dropWriter() {
	p.mu.Lock()
	p.writers--
	remaining := p.writers
	p.mu.Unlock()
	if remaining == 0 {
		p.readWaker.Wake() // wake blocked readers: they should now observe EOF
	}
}

// Read honors status's NonBlocking bit. Returns (0, nil) as EOF once the
// buffer is empty and no writer reference remains open.
func (p *Pipe) Read(ctx context.Context, buf []byte, status flags.Status) (int, error) {
	for {
		p.mu.Lock()
		if !p.buffer.Empty() {
			n := p.buffer.Read(buf)
			p.mu.Unlock()
			p.writeWaker.Wake()
			return n, nil
		}
		writersOpen := p.writers > 0
		p.mu.Unlock()

		if !writersOpen {
			return 0, nil // EOF: no writer remains and the buffer is drained
		}
		if status.Has(flags.StatusNonBlocking) {
			return 0, kernelerrors.ErrResourceBusy
		}
		if err := scheduler.Sleep(ctx, pollDelay); err != nil {
			return 0, err
		}
	}
}

// ReadLine behaves like Read but stops at the first newline.
func (p *Pipe) ReadLine(ctx context.Context, buf []byte, status flags.Status) (int, error) {
	for {
		p.mu.Lock()
		if !p.buffer.Empty() {
			n, found := p.buffer.ReadLine(buf)
			p.mu.Unlock()
			p.writeWaker.Wake()
			if found || n == len(buf) {
				return n, nil
			}
			// Buffer ran dry before a newline; return the partial line
			// read so far rather than waiting for more.
			if n > 0 {
				return n, nil
			}
			continue
		}
		writersOpen := p.writers > 0
		p.mu.Unlock()

		if !writersOpen {
			return 0, nil
		}
		if status.Has(flags.StatusNonBlocking) {
			return 0, kernelerrors.ErrResourceBusy
		}
		if err := scheduler.Sleep(ctx, pollDelay); err != nil {
			return 0, err
		}
	}
}

// Write honors status's NonBlocking bit.
func (p *Pipe) Write(ctx context.Context, buf []byte, status flags.Status) (int, error) {
	total := 0
	for total < len(buf) {
		p.mu.Lock()
		if p.readers == 0 {
			p.mu.Unlock()
			return total, kernelerrors.ErrInputOutput // no reader will ever consume this
		}
		if !p.buffer.Full() {
			n := p.buffer.Write(buf[total:])
			p.mu.Unlock()
			total += n
			p.readWaker.Wake()
			continue
		}
		p.mu.Unlock()

		if status.Has(flags.StatusNonBlocking) {
			if total > 0 {
				return total, nil
			}
			return 0, kernelerrors.ErrResourceBusy
		}
		if err := scheduler.Sleep(ctx, pollDelay); err != nil {
			return total, err
		}
	}
	return total, nil
}
