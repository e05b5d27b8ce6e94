package serialport

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var ErrNotOpen = errors.New("serial port not open")

// MaxLineLength bounds buffered input. A device that never sends a newline
// gets its output cut into lines of this size.
const MaxLineLength = 4096

// Handle owns one open serial port. Open and Close are idempotent; the
// port is closed at most once per Open.
type Handle struct {
	name        string
	baudRate    int
	readTimeout time.Duration
	opener      Opener

	mu   sync.Mutex
	port Port
	open bool

	// only touched by the goroutine calling ReadLine
	pending []byte
	chunk   [256]byte
}

func NewHandle(name string, baudRate int, readTimeout time.Duration, opener Opener) *Handle {
	return &Handle{
		name:        name,
		baudRate:    baudRate,
		readTimeout: readTimeout,
		opener:      opener,
	}
}

func (h *Handle) Name() string {
	return h.name
}

// Open opens the port and applies the read timeout.
func (h *Handle) Open() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.open {
		return nil
	}

	port, err := h.opener.Open(h.name, h.baudRate)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	if err := port.SetReadTimeout(h.readTimeout); err != nil {
		port.Close()
		return fmt.Errorf("set read timeout on %s: %w", h.name, err)
	}

	h.port = port
	h.open = true
	h.pending = h.pending[:0]
	return nil
}

// Close closes the port if it is open.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.open {
		return nil
	}

	err := h.port.Close()
	h.open = false
	h.port = nil
	return err
}

func (h *Handle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

func (h *Handle) current() (Port, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.open {
		return nil, ErrNotOpen
	}
	return h.port, nil
}

// ReadLine returns the next newline-terminated line with surrounding
// whitespace trimmed. ok is false when the read timeout elapsed before a
// full line arrived; partial data is kept for the next call. Input longer
// than MaxLineLength without a newline is returned as its own line.
func (h *Handle) ReadLine() (line string, ok bool, err error) {
	port, err := h.current()
	if err != nil {
		return "", false, err
	}

	for {
		if i := bytes.IndexByte(h.pending, '\n'); i >= 0 {
			line = strings.TrimSpace(string(h.pending[:i]))
			h.pending = append(h.pending[:0], h.pending[i+1:]...)
			return line, true, nil
		}
		if len(h.pending) >= MaxLineLength {
			line = strings.TrimSpace(string(h.pending[:MaxLineLength]))
			h.pending = append(h.pending[:0], h.pending[MaxLineLength:]...)
			return line, true, nil
		}

		n, err := port.Read(h.chunk[:])
		if n > 0 {
			h.pending = append(h.pending, h.chunk[:n]...)
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("read %s: %w", h.name, err)
		}
		return "", false, nil
	}
}

// WriteLine discards unread input and writes cmd followed by a newline.
func (h *Handle) WriteLine(cmd string) error {
	port, err := h.current()
	if err != nil {
		return err
	}

	if err := port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("reset input buffer on %s: %w", h.name, err)
	}

	if _, err := port.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("write %s: %w", h.name, err)
	}
	return nil
}
