// Package gdbstub speaks the GDB remote serial protocol to a debug stub: packet
// framing and acknowledgement on the transport side, and the typed command set
// used to drive a RISC-V reference engine on top of it.
package gdbstub

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/colorfulnotion/lockstep/lockerrors"
	"github.com/colorfulnotion/lockstep/log"
)

const maxRetransmit = 3

// Transport moves whole packet payloads. Implementations never pipeline:
// every Send is followed by exactly one Recv before the next Send.
type Transport interface {
	Send(payload string) error
	Recv() (string, error)
	Close() error
}

// Conn is an RSP packet connection over a byte stream.
type Conn struct {
	mu     sync.Mutex
	nc     net.Conn
	r      *bufio.Reader
	closed bool
}

// NewConn wraps an established stream.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc)}
}

// RetryPolicy bounds the connection attempts made by Dial.
type RetryPolicy struct {
	MaxAttempts int // 0 retries until the context is done
	Interval    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 0, Interval: 100 * time.Millisecond}
}

// Dial connects to a TCP debug stub, retrying while the listener comes up.
func Dial(ctx context.Context, addr string, p RetryPolicy) (*Conn, error) {
	var d net.Dialer
	for attempt := 1; ; attempt++ {
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			log.Debug(log.GdbMonitoring, "connected", "addr", addr, "attempts", attempt)
			return NewConn(nc), nil
		}
		log.Trace(log.GdbMonitoring, "dial failed", "addr", addr, "attempt", attempt, "err", err)
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return nil, fmt.Errorf("%w: %s after %d attempts: %v", lockerrors.ErrConnectRetriesExhausted, addr, attempt, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
		case <-time.After(p.Interval):
		}
	}
}

func checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return sum
}

// Frame returns the wire form of a packet.
func Frame(payload string) []byte {
	return []byte(fmt.Sprintf("$%s#%02x", payload, checksum([]byte(payload))))
}

// Send writes one packet and waits for the peer's acknowledgement,
// retransmitting on '-'.
func (c *Conn) Send(payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return lockerrors.ErrConnClosed
	}
	pkt := Frame(payload)
	for try := 0; try < maxRetransmit; try++ {
		log.Trace(log.GdbMonitoring, "->", "packet", payload)
		if _, err := c.nc.Write(pkt); err != nil {
			return fmt.Errorf("send %q: %w", payload, err)
		}
		ack, err := c.r.ReadByte()
		if err != nil {
			return fmt.Errorf("ack for %q: %w", payload, err)
		}
		switch ack {
		case '+':
			return nil
		case '-':
			continue
		default:
			c.r.UnreadByte()
			return fmt.Errorf("%w: expected ack, got %q", lockerrors.ErrMalformedPacket, ack)
		}
	}
	return fmt.Errorf("%w: %q", lockerrors.ErrNacked, payload)
}

// Recv blocks for one complete packet, acknowledges it and returns the
// decoded payload. A bad checksum is answered with '-' and the peer's
// retransmission is read, up to maxRetransmit copies in total.
func (c *Conn) Recv() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", lockerrors.ErrConnClosed
	}
	for try := 1; ; try++ {
		raw, want, err := c.readPacket()
		if err != nil {
			return "", err
		}
		if got := checksum(raw); got != want {
			if _, err := c.nc.Write([]byte{'-'}); err != nil {
				return "", fmt.Errorf("nack: %w", err)
			}
			if try >= maxRetransmit {
				return "", fmt.Errorf("%w: got %02x want %02x after %d copies", lockerrors.ErrChecksum, got, want, try)
			}
			log.Trace(log.GdbMonitoring, "checksum mismatch, awaiting retransmit", "got", got, "want", want, "try", try)
			continue
		}
		if _, err := c.nc.Write([]byte{'+'}); err != nil {
			return "", fmt.Errorf("ack: %w", err)
		}
		payload, err := decodePayload(raw)
		if err != nil {
			return "", err
		}
		log.Trace(log.GdbMonitoring, "<-", "packet", payload)
		return payload, nil
	}
}

// readPacket returns the raw body of the next packet and its stated checksum.
func (c *Conn) readPacket() ([]byte, byte, error) {
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil, 0, fmt.Errorf("recv: %w", lockerrors.ErrConnClosed)
			}
			return nil, 0, fmt.Errorf("recv: %w", err)
		}
		if b == '$' {
			break
		}
		// stray acks and noise before the start of a packet
	}
	raw, err := c.r.ReadBytes('#')
	if err != nil {
		return nil, 0, fmt.Errorf("recv: %w", err)
	}
	raw = raw[:len(raw)-1]
	var cs [2]byte
	if _, err := io.ReadFull(c.r, cs[:]); err != nil {
		return nil, 0, fmt.Errorf("recv checksum: %w", err)
	}
	want, ok := parseHexByte(cs[0], cs[1])
	if !ok {
		return nil, 0, fmt.Errorf("%w: checksum %q", lockerrors.ErrMalformedPacket, cs[:])
	}
	return raw, want, nil
}

// Close is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.nc.Close()
}

// decodePayload expands '}' escapes and '*' run-length encoding.
func decodePayload(raw []byte) (string, error) {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		switch b := raw[i]; b {
		case '}':
			if i+1 >= len(raw) {
				return "", fmt.Errorf("%w: dangling escape", lockerrors.ErrMalformedPacket)
			}
			i++
			out = append(out, raw[i]^0x20)
		case '*':
			if len(out) == 0 || i+1 >= len(raw) {
				return "", fmt.Errorf("%w: bad run-length", lockerrors.ErrMalformedPacket)
			}
			i++
			n := int(raw[i]) - 29
			if n < 0 {
				return "", fmt.Errorf("%w: bad run-length count %q", lockerrors.ErrMalformedPacket, raw[i])
			}
			last := out[len(out)-1]
			for j := 0; j < n; j++ {
				out = append(out, last)
			}
		default:
			out = append(out, b)
		}
	}
	return string(out), nil
}

func parseHexByte(hi, lo byte) (byte, bool) {
	h, ok1 := hexNibble(hi)
	l, ok2 := hexNibble(lo)
	return h<<4 | l, ok1 && ok2
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
