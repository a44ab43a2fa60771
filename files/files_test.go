package files

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CiaranWoodward/mbus/client"
	"github.com/CiaranWoodward/mbus/direct"
	"github.com/CiaranWoodward/mbus/hostaddr"
	"github.com/CiaranWoodward/mbus/msg"
	"github.com/CiaranWoodward/mbus/protocol"
	"github.com/CiaranWoodward/mbus/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// Start an in-process broker. The returned function connects and identifies
// a module; the options resolve "hostx" to 10.0.0.2 and "hosty" to 10.0.0.3,
// with 10.0.0.1 as the local host.
func startBus(t *testing.T) (func(name string) *client.Client, Options) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	srv := server.NewServer(server.Options{})
	var clients []*client.Client
	t.Cleanup(func() {
		for _, c := range clients {
			c.Close()
		}
		srv.Close()
	})
	connect := func(name string) *client.Client {
		cli, ser := net.Pipe()
		srv.AddClientByConnection(ser)
		c := client.NewClient(cli, client.Options{Name: name})
		clients = append(clients, c)
		_, err := c.Identify(context.Background())
		require.NoError(t, err)
		return c
	}

	opts := Options{
		Resolver: &hostaddr.Table{
			Hosts: map[string]net.IP{"hostx": net.ParseIP("10.0.0.2"), "hosty": net.ParseIP("10.0.0.3")},
			Self:  []net.IP{net.ParseIP("10.0.0.1")},
		},
		ChunkSize: 7,
	}
	return connect, opts
}

// Run the event loop of c until the test ends
func runLoop(t *testing.T, c *client.Client) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, 0, nil) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// Start a broker with a file daemon for "hostx" and return a client for the
// local host
func startHosts(t *testing.T) (*client.Client, Options) {
	connect, opts := startBus(t)
	user := connect("viewer")
	busd := connect("busd_10.0.0.2")
	require.NoError(t, NewDaemon(busd, Options{}).Register(context.Background()))
	runLoop(t, busd)
	return user, opts
}

// Lay out subdirectories b, a, c and files f2, f1
func makeTree(t *testing.T) string {
	dir := t.TempDir()
	for _, d := range []string{"b", "a", "c"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, d), 0o755))
	}
	for _, f := range []string{"f2", "f1"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte(f), 0o644))
	}
	return dir
}

func TestListLocalKinds(t *testing.T) {
	dir := makeTree(t)

	dirs, err := ListLocal(dir, protocol.Directory, DefaultMaxEntries)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, dirs)

	files, err := ListLocal(dir, protocol.File, DefaultMaxEntries)
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, files)

	capped, err := ListLocal(dir, protocol.Directory, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, capped)

	empty, err := ListLocal(filepath.Join(dir, "a"), protocol.File, DefaultMaxEntries)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestListLocalMissing(t *testing.T) {
	names, err := ListLocal(filepath.Join(t.TempDir(), "nope"), protocol.Directory, DefaultMaxEntries)
	assert.ErrorIs(t, err, msg.ErrOpenFailed)
	assert.Nil(t, names)
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	assert.Equal(t, filepath.Join(home, "runs"), ExpandHome("/~/runs"))
	assert.Equal(t, filepath.Join(home, "runs"), ExpandHome("~/runs"))
	assert.Equal(t, home, ExpandHome("/~"))
	assert.Equal(t, "~alice/runs", ExpandHome("~alice/runs"))
	assert.Equal(t, "/data/~", ExpandHome("/data/~"))
}

func TestListEntriesLocal(t *testing.T) {
	user, opts := startHosts(t)
	dir := makeTree(t)
	ds := NewDirectoryService(user, opts)

	l, err := ds.ListEntries(context.Background(), "", dir, protocol.File, 0)
	require.NoError(t, err)
	assert.False(t, l.Pending)
	assert.Equal(t, []string{"f1", "f2"}, l.Entries)

	_, err = ds.ListEntries(context.Background(), "localhost", filepath.Join(dir, "zz"), protocol.File, 0)
	assert.ErrorIs(t, err, msg.ErrOpenFailed)
}

func TestListEntriesRemote(t *testing.T) {
	user, opts := startHosts(t)
	dir := makeTree(t)
	ds := NewDirectoryService(user, opts)
	ctx := context.Background()

	reply, err := user.FindTypeByName(ctx, "viewer_dirs")
	require.NoError(t, err)

	l, err := ds.ListEntries(ctx, "hostx", dir, protocol.Directory, reply)
	require.NoError(t, err)
	assert.True(t, l.Pending)
	assert.Empty(t, l.Entries)
	names, err := ds.AwaitListing(ctx, l, reply)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)

	l, err = ds.ListEntries(ctx, "hostx", filepath.Join(dir, "zz"), protocol.Directory, reply)
	require.NoError(t, err)
	_, err = ds.AwaitListing(ctx, l, reply)
	assert.ErrorIs(t, err, msg.ErrOpenFailed)

	// Asynchronous delivery through the event loop
	var got []protocol.DirReply
	ds.OnListing(reply, func(from msg.ModuleID, r protocol.DirReply) {
		assert.Equal(t, l.Daemon, from)
		got = append(got, r)
	})
	_, err = ds.ListEntries(ctx, "hostx", dir, protocol.File, reply)
	require.NoError(t, err)
	require.NoError(t, user.DispatchOne(ctx))
	require.Len(t, got, 1)
	assert.Equal(t, protocol.DirReply{Kind: protocol.File, Entries: []string{"f1", "f2"}}, got[0])
}

func TestListEntriesUnknownHost(t *testing.T) {
	user, opts := startHosts(t)
	ds := NewDirectoryService(user, opts)
	ctx := context.Background()

	_, err := ds.ListEntries(ctx, "nowhere", "/", protocol.Directory, 1)
	assert.ErrorIs(t, err, msg.ErrHostUnknown)

	// Known host without a file daemon
	_, err = ds.ListEntries(ctx, "hosty", "/", protocol.Directory, 1)
	assert.ErrorIs(t, err, msg.ErrHostUnknown)
}

func TestTransferRoundTrip(t *testing.T) {
	user, opts := startHosts(t)
	ts := NewTransferService(user, opts)
	ctx := context.Background()

	big := make([]byte, 200000)
	rand.New(rand.NewSource(1)).Read(big)
	contents := map[string][]byte{
		"empty":  {},
		"nul":    {0x00, 'a', 0x00, 0x00, 'b', 0x00},
		"text":   []byte("hello bus\n"),
		"binary": big,
	}

	for name, content := range contents {
		t.Run(name, func(t *testing.T) {
			local := filepath.Join(t.TempDir(), "local.txt")
			remote := filepath.Join(t.TempDir(), "remote.txt")
			local2 := filepath.Join(t.TempDir(), "local2.txt")
			require.NoError(t, os.WriteFile(local, content, 0o644))

			require.NoError(t, ts.Transfer(ctx, protocol.Put, "hostx", local, remote))
			require.NoError(t, ts.Transfer(ctx, protocol.Get, "hostx", local2, remote))

			got, err := os.ReadFile(local2)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(content, got))
		})
	}
}

func TestTransferGetOverwrites(t *testing.T) {
	user, opts := startHosts(t)
	ts := NewTransferService(user, opts)

	remote := filepath.Join(t.TempDir(), "remote.txt")
	local := filepath.Join(t.TempDir(), "local.txt")
	require.NoError(t, os.WriteFile(remote, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(local, []byte("much longer old content"), 0o644))

	require.NoError(t, ts.Transfer(context.Background(), protocol.Get, "hostx", local, remote))
	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestTransferRemoteOpenFailure(t *testing.T) {
	user, opts := startHosts(t)
	ts := NewTransferService(user, opts)
	ctx := context.Background()
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.txt")

	// Nothing is created for a destination that did not exist
	fresh := filepath.Join(dir, "fresh.txt")
	err := ts.Transfer(ctx, protocol.Get, "hostx", fresh, missing)
	assert.ErrorIs(t, err, msg.ErrOpenFailed)
	assert.NoFileExists(t, fresh)

	// An existing destination is left untouched
	kept := filepath.Join(dir, "kept.txt")
	require.NoError(t, os.WriteFile(kept, []byte("keep me"), 0o644))
	err = ts.Transfer(ctx, protocol.Get, "hostx", kept, missing)
	assert.ErrorIs(t, err, msg.ErrOpenFailed)
	got, err := os.ReadFile(kept)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(got))

	// The remote side cannot create a file in a missing directory
	err = ts.Transfer(ctx, protocol.Put, "hostx", kept, filepath.Join(dir, "no", "such", "dir.txt"))
	assert.ErrorIs(t, err, msg.ErrOpenFailed)
}

func TestTransferLocalOpenFailure(t *testing.T) {
	user, opts := startHosts(t)
	ts := NewTransferService(user, opts)
	dir := t.TempDir()
	remote := filepath.Join(dir, "remote.txt")

	err := ts.Transfer(context.Background(), protocol.Put, "hostx", filepath.Join(dir, "absent"), remote)
	assert.ErrorIs(t, err, msg.ErrOpenFailed)

	// The daemon removes the destination it created once it sees our status
	assert.Eventually(t, func() bool {
		_, err := os.Stat(remote)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
}

func TestTransferHostChecks(t *testing.T) {
	user, opts := startHosts(t)
	ts := NewTransferService(user, opts)
	ctx := context.Background()

	assert.ErrorIs(t, ts.Transfer(ctx, protocol.Get, "localhost", "a", "b"), msg.ErrLocalHost)
	assert.ErrorIs(t, ts.Transfer(ctx, protocol.Get, "nowhere", "a", "b"), msg.ErrHostUnknown)
	assert.ErrorIs(t, ts.Transfer(ctx, protocol.Put, "hosty", "a", "b"), msg.ErrHostUnknown)
}

// A daemon that fails halfway through a Get must not look like a short file
func TestTransferSenderFailsMidStream(t *testing.T) {
	connect, opts := startBus(t)
	user := connect("viewer")
	busd := connect("busd_10.0.0.2")
	ctx := context.Background()

	get, err := busd.FindTypeByName(ctx, protocol.TypeGet)
	require.NoError(t, err)
	busd.AddDirectCallback(get, client.DirectFunc(func(s *direct.Session) error {
		if _, err := s.ReadHeader(); err != nil {
			return err
		}
		if err := s.ExchangeStatus(true); err != nil {
			return err
		}
		rw, err := s.Stream()
		if err != nil {
			return err
		}
		if _, err := rw.Write([]byte("first half of a 1000 byte file")); err != nil {
			return err
		}
		return errors.New("read error on source")
	}))
	runLoop(t, busd)

	local := filepath.Join(t.TempDir(), "local.txt")
	err = NewTransferService(user, opts).Transfer(ctx, protocol.Get, "hostx", local, "/data/big")
	assert.ErrorIs(t, err, msg.ErrConnect)
}
