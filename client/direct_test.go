package client

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/CiaranWoodward/mbus/direct"
	"github.com/CiaranWoodward/mbus/msg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDirect(t *testing.T) {
	connect := startBus(t)
	a, b := connect("a"), connect("b")
	ctx := context.Background()

	tBulk, err := a.FindTypeByName(ctx, "bulk")
	require.NoError(t, err)

	// b counts the bytes it receives and answers with the count
	b.AddDirectCallback(tBulk, DirectFunc(func(s *direct.Session) error {
		assert.Equal(t, a.ID(), s.Peer)
		h, err := s.ReadHeader()
		if err != nil {
			return err
		}
		assert.Equal(t, "count", h)
		rw, err := s.Stream()
		if err != nil {
			return err
		}
		n, err := io.Copy(io.Discard, rw)
		if err != nil {
			return err
		}
		return s.Writer().WriteInt32(int32(n))
	}))
	runLoop(t, b)

	payload := make([]byte, 100000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	var counted int32
	err = a.OpenDirect(ctx, b.ID(), tBulk, func(s *direct.Session) error {
		assert.Equal(t, direct.Introduced, s.State())
		if err := s.WriteHeader("count"); err != nil {
			return err
		}
		rw, err := s.Stream()
		if err != nil {
			return err
		}
		if _, err := rw.Write(payload); err != nil {
			return err
		}
		if err := s.CloseWrite(); err != nil {
			return err
		}
		counted, err = s.Reader().ReadInt32()
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int32(len(payload)), counted)
}

func TestOpenDirectRefused(t *testing.T) {
	connect := startBus(t)
	a, b := connect("a"), connect("b")
	ctx := context.Background()
	runLoop(t, b)

	called := false
	err := a.OpenDirect(ctx, b.ID(), 77, func(s *direct.Session) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, msg.ErrNoHandler)
	assert.False(t, called)
}

func TestOpenDirectUnknownPeer(t *testing.T) {
	connect := startBus(t)
	a := connect("a")

	err := a.OpenDirect(context.Background(), 999, 1, func(s *direct.Session) error { return nil })
	assert.ErrorIs(t, err, msg.ErrNotFound)
}

// An introduction dequeued right at the idle deadline still gets served
func TestOpenDirectShortIdle(t *testing.T) {
	connect := startBus(t)
	a, b := connect("a"), connect("b")

	tPing, err := a.FindTypeByName(context.Background(), "ping")
	require.NoError(t, err)
	b.AddDirectCallback(tPing, DirectFunc(func(s *direct.Session) error {
		h, err := s.ReadHeader()
		if err != nil {
			return err
		}
		return s.Writer().WriteString(h)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- b.Run(ctx, time.Microsecond, nil) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	octx, ocancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ocancel()
	for i := 0; i < 20; i++ {
		var echo string
		err := a.OpenDirect(octx, b.ID(), tPing, func(s *direct.Session) error {
			if err := s.WriteHeader("ping"); err != nil {
				return err
			}
			var err error
			echo, err = s.Reader().ReadString()
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, "ping", echo)
	}
}

// A responder failing mid-stream resets the channel instead of ending it
func TestDirectHandlerFailureResets(t *testing.T) {
	connect := startBus(t)
	a, b := connect("a"), connect("b")
	ctx := context.Background()

	tFeed, err := a.FindTypeByName(ctx, "feed")
	require.NoError(t, err)
	b.AddDirectCallback(tFeed, DirectFunc(func(s *direct.Session) error {
		rw, err := s.Stream()
		if err != nil {
			return err
		}
		if _, err := rw.Write([]byte("the first part of the feed")); err != nil {
			return err
		}
		return errors.New("source went away")
	}))
	runLoop(t, b)

	err = a.OpenDirect(ctx, b.ID(), tFeed, func(s *direct.Session) error {
		rw, err := s.Stream()
		if err != nil {
			return err
		}
		_, err = io.ReadAll(rw)
		return err
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}
