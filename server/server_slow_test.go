package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/CiaranWoodward/mbus/client"
	"github.com/CiaranWoodward/mbus/msg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	byte_time_1kbps = time.Millisecond
)

// Make a connection slow, to simulate real-ish connection behaviour
func makeSlow(con net.Conn, byte_time time.Duration) net.Conn {
	in, out := net.Pipe()

	forwarder := func(in, out net.Conn) {
		for {
			buffer := make([]byte, 10)
			n, err := in.Read(buffer)
			if err != nil {
				out.Close()
				break
			}
			buffer = buffer[:n]
			<-time.After(byte_time * time.Duration(n))
			n2, err := out.Write(buffer)
			if n2 != n || err != nil {
				in.Close()
				break
			}
		}
	}

	go forwarder(con, in)
	go forwarder(in, con)

	return out
}

func TestSlowClient(t *testing.T) {
	// Test that a slow client won't stall its fast neighbors
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	// Real Server with short queues
	server := NewServer(Options{QueueDepth: 4})

	// Create the fast client
	cli, ser := net.Pipe()
	client_fast := client.NewClient(cli, client.Options{Name: "fast"})
	server.AddClientByConnection(ser)
	_, err := client_fast.Identify(ctx)
	require.NoError(t, err)

	// Create the slow client
	cli, ser = net.Pipe()
	cli = makeSlow(cli, byte_time_1kbps/10)
	client_slow := client.NewClient(cli, client.Options{Name: "slow"})
	server.AddClientByConnection(ser)
	slow_cid, err := client_slow.Identify(ctx)
	require.NoError(t, err)

	typ, err := client_fast.FindTypeByName(ctx, "bulk")
	require.NoError(t, err)

	// Make a long message to send
	longMessage := make([]byte, 1000)
	for i := 0; i < 1000; i++ {
		longMessage[i] = byte(i % 256)
	}

	// Flood the slow client, checking the fast one still gets timely service
	n_messages := 50
	for i := 0; i < n_messages; i++ {
		require.NoError(t, client_fast.Send(&msg.Message{To: slow_cid, Type: typ, Payload: longMessage}))
	}
	start := time.Now()
	_, err = client_fast.Request(ctx, &msg.Message{To: msg.Bounce, Type: typ}, client.MatchTypeFrom(typ, client_fast.ID()))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	// The slow client sees the overflow as missing messages, never as a stall
	assert.Eventually(t, func() bool { return server.Dropped() > 0 }, 5*time.Second, 10*time.Millisecond)

	client_fast.Close()
	client_slow.Close()
	server.Close()
}
