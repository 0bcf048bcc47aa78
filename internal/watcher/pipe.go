package watcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// ErrClosed is returned once the source has been closed.
var ErrClosed = errors.New("journal source closed")

// PipeOptions selects which journal entries a PipeSource tails.
type PipeOptions struct {
	// MaxPriority is the highest syslog priority forwarded (0=emerg ... 7=debug).
	MaxPriority int
	// Units restricts the tail to the given systemd units. Empty means all.
	Units []string
}

// PipeSource implements Source by tailing journalctl --follow -o json.
type PipeSource struct {
	opts PipeOptions

	mu      sync.Mutex
	pending []Record
	err     error
	cancel  context.CancelFunc

	notify chan struct{}
	done   chan struct{}
}

// NewPipeSource creates a PipeSource. Call Start to spawn journalctl.
func NewPipeSource(opts PipeOptions) *PipeSource {
	return &PipeSource{
		opts:   opts,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Args returns the journalctl arguments. --lines=0 seeks to the tail of the
// current boot so nothing written before Start is ever emitted.
func (p *PipeSource) Args() []string {
	args := []string{
		"--follow",
		"--boot",
		"--lines=0",
		"--all", // otherwise fields over 4096 bytes are rendered as null
		"-o", "json",
		"--no-pager",
		"-p", fmt.Sprintf("0..%d", p.opts.MaxPriority),
	}
	for _, u := range p.opts.Units {
		args = append(args, "-u", u)
	}
	return args
}

// Start spawns journalctl and begins buffering records in the background.
func (p *PipeSource) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	cmd := exec.CommandContext(ctx, "journalctl", p.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("starting journalctl: %w", err)
	}

	go func() {
		readErr := p.consume(stdout)
		closed := ctx.Err() != nil
		if readErr != nil {
			// journalctl would block on a full pipe and Wait never return.
			cancel()
		}
		waitErr := cmd.Wait()

		switch {
		case closed:
			p.fail(ErrClosed)
		case readErr != nil:
			p.fail(fmt.Errorf("reading journal: %w", readErr))
		case waitErr != nil:
			p.fail(fmt.Errorf("journalctl exited: %w", waitErr))
		default:
			p.fail(errors.New("journalctl exited"))
		}
	}()

	slog.Info("journal watcher started",
		"priority_filter", fmt.Sprintf("0..%d", p.opts.MaxPriority),
		"units", p.opts.Units,
	)
	return nil
}

// MaxLineSize bounds a single journalctl output line, newline included.
// Longer lines are skipped as decode errors.
const MaxLineSize = 1024 * 1024

// consume parses JSON lines from r until EOF or a read error.
func (p *PipeSource) consume(r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	oversized := false

	for {
		chunk, err := br.ReadSlice('\n')
		if !oversized {
			line = append(line, chunk...)
			if len(line) > MaxLineSize {
				oversized = true
				line = line[:0]
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		switch {
		case oversized:
			p.push(Record{Err: &DecodeError{
				Field:  "entry",
				Reason: fmt.Sprintf("line exceeds %d bytes", MaxLineSize),
			}})
		case len(bytes.TrimSpace(line)) > 0:
			p.push(parseJournalJSON(line))
		}
		line = line[:0]
		oversized = false

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (p *PipeSource) push(rec Record) {
	p.mu.Lock()
	p.pending = append(p.pending, rec)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *PipeSource) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return
	}
	p.err = err
	close(p.done)
}

func (p *PipeSource) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.notify:
		return true, nil
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.pending) > 0 {
			return true, nil
		}
		return false, p.err
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (p *PipeSource) Advance() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) > 0
}

func (p *PipeSource) Drain() ([]Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	recs := p.pending
	p.pending = nil
	if len(recs) == 0 && p.err != nil {
		return nil, p.err
	}
	return recs, nil
}

func (p *PipeSource) Close() error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// parseJournalJSON parses a single JSON line from journalctl -o json.
func parseJournalJSON(data []byte) Record {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{Err: &DecodeError{Field: "entry", Reason: err.Error()}}
	}

	cursor, _ := raw["__CURSOR"].(string)
	ts, _ := raw["__REALTIME_TIMESTAMP"].(string)

	msg, err := textField(raw, "MESSAGE", cursor)
	if err != nil {
		return Record{Err: err}
	}
	unit, err := textField(raw, "_SYSTEMD_UNIT", cursor)
	if err != nil {
		return Record{Err: err}
	}

	return Record{Entry: Entry{
		Message:           msg,
		Origin:            unit,
		Priority:          priority(raw["PRIORITY"]),
		Cursor:            cursor,
		RealtimeTimestamp: ts,
	}}
}

// textField extracts an ASCII string field. journalctl renders values that
// are not valid UTF-8 as arrays of byte values, and multi-value fields as
// arrays of strings.
func textField(raw map[string]interface{}, name, cursor string) (string, error) {
	v, ok := raw[name]
	if !ok {
		return "", &DecodeError{Field: name, Cursor: cursor, Reason: "field missing"}
	}

	var s string
	switch val := v.(type) {
	case string:
		s = val
	case float64:
		s = strconv.FormatFloat(val, 'f', -1, 64)
	case []interface{}:
		b, err := byteArray(val)
		if err != nil {
			return "", &DecodeError{Field: name, Cursor: cursor, Reason: err.Error()}
		}
		s = string(b)
	case nil:
		return "", &DecodeError{Field: name, Cursor: cursor, Reason: "value omitted by journalctl"}
	default:
		return "", &DecodeError{Field: name, Cursor: cursor, Reason: fmt.Sprintf("unexpected type %T", v)}
	}

	if err := checkASCII(s); err != nil {
		return "", &DecodeError{Field: name, Cursor: cursor, Reason: err.Error()}
	}
	return s, nil
}

func byteArray(vals []interface{}) ([]byte, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	// Multi-value field; take first.
	if first, ok := vals[0].(string); ok {
		return []byte(first), nil
	}

	b := make([]byte, 0, len(vals))
	for i, v := range vals {
		n, ok := v.(float64)
		if !ok || n < 0 || n > 255 || n != float64(int(n)) {
			return nil, fmt.Errorf("element %d is not a byte", i)
		}
		b = append(b, byte(n))
	}
	return b, nil
}

func checkASCII(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return fmt.Errorf("non-ASCII byte 0x%02x at offset %d", s[i], i)
		}
	}
	return nil
}

// priority accepts PRIORITY as either a string or a number.
func priority(v interface{}) int {
	switch val := v.(type) {
	case string:
		n, _ := strconv.Atoi(val)
		return n
	case float64:
		return int(val)
	}
	return 0
}
