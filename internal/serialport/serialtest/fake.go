// Package serialtest provides in-memory serial ports for tests.
package serialtest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/defliez/temperature-chamber/internal/serialport"
)

var ErrClosed = errors.New("fake port closed")

// Port is a scripted serial device. Lines passed to Feed become readable;
// writes are recorded and optionally answered through OnWrite.
type Port struct {
	name     string
	incoming chan []byte
	closedCh chan struct{}

	mu          sync.Mutex
	pending     []byte
	written     []string
	closeCount  int
	resets      int
	readTimeout time.Duration
	onWrite     func(p *Port, line string)
}

func NewPort(name string) *Port {
	return &Port{
		name:        name,
		incoming:    make(chan []byte, 1024),
		closedCh:    make(chan struct{}),
		readTimeout: 10 * time.Millisecond,
	}
}

func (p *Port) Name() string {
	return p.name
}

// Feed queues a line (a newline is appended).
func (p *Port) Feed(line string) {
	p.incoming <- []byte(line + "\n")
}

// FeedRaw queues bytes as-is.
func (p *Port) FeedRaw(data string) {
	p.incoming <- []byte(data)
}

// OnWrite installs a responder called for every written line.
func (p *Port) OnWrite(fn func(p *Port, line string)) {
	p.mu.Lock()
	p.onWrite = fn
	p.mu.Unlock()
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closeCount > 0 {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	timeout := p.readTimeout
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-p.incoming:
		n := copy(b, data)
		if n < len(data) {
			p.mu.Lock()
			p.pending = append(p.pending, data[n:]...)
			p.mu.Unlock()
		}
		return n, nil
	case <-timer.C:
		return 0, nil
	case <-p.closedCh:
		return 0, ErrClosed
	}
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closeCount > 0 {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	var lines []string
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		p.written = append(p.written, line)
		lines = append(lines, line)
	}
	onWrite := p.onWrite
	p.mu.Unlock()

	if onWrite != nil {
		for _, line := range lines {
			onWrite(p, line)
		}
	}
	return len(b), nil
}

// Close closes the port. Every call is counted so tests can detect a
// double close.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeCount++
	if p.closeCount > 1 {
		return ErrClosed
	}
	close(p.closedCh)
	return nil
}

func (p *Port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	p.pending = nil
	return nil
}

func (p *Port) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

func (p *Port) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCount
}

func (p *Port) Closed() bool {
	return p.CloseCount() > 0
}

// Opener hands out a fresh Port per Open and refuses to open a device
// that is still open, mirroring exclusive OS access.
type Opener struct {
	mu     sync.Mutex
	ports  map[string][]*Port
	errs   map[string]error
	onOpen func(p *Port)
}

func NewOpener() *Opener {
	return &Opener{
		ports: make(map[string][]*Port),
		errs:  make(map[string]error),
	}
}

// Fail makes every Open of name return err. A nil err clears it.
func (o *Opener) Fail(name string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		delete(o.errs, name)
		return
	}
	o.errs[name] = err
}

// OnOpen is called with every newly opened port.
func (o *Opener) OnOpen(fn func(p *Port)) {
	o.mu.Lock()
	o.onOpen = fn
	o.mu.Unlock()
}

func (o *Opener) Open(name string, baudRate int) (serialport.Port, error) {
	o.mu.Lock()
	if err, ok := o.errs[name]; ok {
		o.mu.Unlock()
		return nil, err
	}
	history := o.ports[name]
	if n := len(history); n > 0 && !history[n-1].Closed() {
		o.mu.Unlock()
		return nil, fmt.Errorf("open %s: device busy", name)
	}
	p := NewPort(name)
	o.ports[name] = append(history, p)
	onOpen := o.onOpen
	o.mu.Unlock()

	if onOpen != nil {
		onOpen(p)
	}
	return p, nil
}

// Opened returns every port handed out for name, oldest first.
func (o *Opener) Opened(name string) []*Port {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Port(nil), o.ports[name]...)
}

// Last returns the most recently opened port for name.
func (o *Opener) Last(name string) *Port {
	o.mu.Lock()
	defer o.mu.Unlock()
	history := o.ports[name]
	if len(history) == 0 {
		return nil
	}
	return history[len(history)-1]
}

// WaitOpened blocks until at least n ports were opened for name.
func (o *Opener) WaitOpened(name string, n int, timeout time.Duration) *Port {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ports := o.Opened(name); len(ports) >= n {
			return ports[n-1]
		}
		time.Sleep(2 * time.Millisecond)
	}
	return nil
}
