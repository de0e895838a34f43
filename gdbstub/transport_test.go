package gdbstub

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/colorfulnotion/lockstep/lockerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame(t *testing.T) {
	assert.Equal(t, "$g#67", string(Frame("g")))
	assert.Equal(t, "$OK#9a", string(Frame("OK")))
	assert.Equal(t, "$#00", string(Frame("")))
}

func TestDecodePayload(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"OK", "OK"},
		{"0* ", "0000"},
		{"ab*\"c", "abbbbbbc"},
		{"x}\x03y", "x#y"},
		{"}]}]", "}}"},
		{"T05", "T05"},
	}
	for _, tc := range cases {
		got, err := decodePayload([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}

	_, err := decodePayload([]byte("*!"))
	assert.ErrorIs(t, err, lockerrors.ErrMalformedPacket)
	_, err = decodePayload([]byte("ab}"))
	assert.ErrorIs(t, err, lockerrors.ErrMalformedPacket)
}

func TestRecvAcksAndVerifiesChecksum(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	conn := NewConn(server)
	defer conn.Close()

	acks := make(chan byte, 3)
	go func() {
		r := bufio.NewReader(client)
		client.Write([]byte("+$OK#9a"))
		b, _ := r.ReadByte()
		acks <- b
		// corrupted copy, then the retransmission
		client.Write([]byte("$OK#00"))
		b, _ = r.ReadByte()
		acks <- b
		client.Write([]byte("$E01#a6"))
		b, _ = r.ReadByte()
		acks <- b
	}()

	payload, err := conn.Recv()
	require.NoError(t, err)
	assert.Equal(t, "OK", payload)
	assert.Equal(t, byte('+'), <-acks)

	payload, err = conn.Recv()
	require.NoError(t, err)
	assert.Equal(t, "E01", payload)
	assert.Equal(t, byte('-'), <-acks)
	assert.Equal(t, byte('+'), <-acks)
}

func TestRecvNextPacketFollowsRetransmit(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	conn := NewConn(server)
	defer conn.Close()

	go func() {
		r := bufio.NewReader(client)
		for _, pkt := range []string{"$1234#00", "$1234#ca", "$5678#da"} {
			client.Write([]byte(pkt))
			r.ReadByte()
		}
	}()

	first, err := conn.Recv()
	require.NoError(t, err)
	assert.Equal(t, "1234", first)
	second, err := conn.Recv()
	require.NoError(t, err)
	assert.Equal(t, "5678", second)
}

func TestRecvGivesUpAfterRepeatedChecksumErrors(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	conn := NewConn(server)
	defer conn.Close()

	acks := make(chan byte, maxRetransmit)
	go func() {
		r := bufio.NewReader(client)
		for i := 0; i < maxRetransmit; i++ {
			client.Write([]byte("$OK#00"))
			b, _ := r.ReadByte()
			acks <- b
		}
	}()

	_, err := conn.Recv()
	assert.ErrorIs(t, err, lockerrors.ErrChecksum)
	for i := 0; i < maxRetransmit; i++ {
		assert.Equal(t, byte('-'), <-acks)
	}
}

func TestRecvNackWriteFailure(t *testing.T) {
	client, server := net.Pipe()
	conn := NewConn(server)
	defer conn.Close()

	go func() {
		client.Write([]byte("$OK#00"))
		client.Close()
	}()

	_, err := conn.Recv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nack")
}

func TestSendRetransmitsOnNack(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := NewConn(client)
	defer conn.Close()

	got := make(chan string, 2)
	go func() {
		r := bufio.NewReader(server)
		for _, ack := range []byte{'-', '+'} {
			pkt, _ := r.ReadString('#')
			var cs [2]byte
			r.Read(cs[:1])
			r.Read(cs[1:])
			got <- pkt + string(cs[:])
			server.Write([]byte{ack})
		}
	}()

	require.NoError(t, conn.Send("g"))
	assert.Equal(t, "$g#67", <-got)
	assert.Equal(t, "$g#67", <-got)
}

func TestSendGivesUpAfterRepeatedNacks(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := NewConn(client)
	defer conn.Close()

	go func() {
		r := bufio.NewReader(server)
		for i := 0; i < maxRetransmit; i++ {
			r.ReadString('#')
			r.ReadByte()
			r.ReadByte()
			server.Write([]byte{'-'})
		}
	}()
	assert.ErrorIs(t, conn.Send("g"), lockerrors.ErrNacked)
}

func TestClosedConn(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := NewConn(client)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send("g"), lockerrors.ErrConnClosed)
	_, err := conn.Recv()
	assert.ErrorIs(t, err, lockerrors.ErrConnClosed)
}

func TestDialRetriesUntilListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	go func() {
		time.Sleep(50 * time.Millisecond)
		ln2, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		defer ln2.Close()
		nc, err := ln2.Accept()
		if err == nil {
			nc.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, addr, RetryPolicy{Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	conn.Close()
}

func TestDialBoundedAttempts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), addr, RetryPolicy{MaxAttempts: 3, Interval: time.Millisecond})
	assert.ErrorIs(t, err, lockerrors.ErrConnectRetriesExhausted)
}

func TestDialHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Dial(ctx, addr, DefaultRetryPolicy())
	assert.ErrorIs(t, err, context.Canceled)
}
