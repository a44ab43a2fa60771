/*
Package files implements remote directory listing and file transfer on top of
the bus.

Every host that offers file access runs a file daemon (busd) registered as
"busd_<dotted IPv4>". Directory listings travel as ordinary bus messages and
are answered asynchronously; file contents travel over direct channels, after
both ends have confirmed they could open their file.
*/
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/CiaranWoodward/mbus/client"
	"github.com/CiaranWoodward/mbus/direct"
	"github.com/CiaranWoodward/mbus/hostaddr"
	"github.com/CiaranWoodward/mbus/msg"
)

// Defaults used when Options leaves a field zero
const (
	DefaultMaxEntries = 1024
	DefaultChunkSize  = 8192
)

// Options shared by the directory and transfer services and the daemon
type Options struct {
	// Resolver classifies host names, the operating system resolver when nil
	Resolver hostaddr.Resolver
	// MaxEntries caps the length of a directory listing
	MaxEntries int
	// ChunkSize is the unit in which file contents are streamed
	ChunkSize int
	Logger    zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Resolver == nil {
		o.Resolver = hostaddr.NewSystem()
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	return o
}

// ExpandHome replaces a leading "~" or "/~" with the home directory
func ExpandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "/~")
	if !ok {
		rest, ok = strings.CutPrefix(path, "~")
	}
	if !ok || (rest != "" && rest[0] != '/') {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

// Find the file daemon of the host at ip
func findDaemon(ctx context.Context, c *client.Client, host string, ip net.IP) (msg.ModuleID, error) {
	id, err := c.FindModuleByName(ctx, hostaddr.DaemonName(ip))
	if errors.Is(err, msg.ErrNotFound) {
		return msg.BrokerAddr, msg.NewError(msg.HOST_UNKNOWN, "no file daemon on %s", host)
	}
	return id, err
}

// Open a transfer destination without disturbing its contents, reporting
// whether the file was created by this call
func openDestination(path string) (*os.File, bool, error) {
	_, statErr := os.Stat(path)
	created := errors.Is(statErr, fs.ErrNotExist)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, err
	}
	return f, created, nil
}

// Abandon a destination opened for a transfer that never started
func abandonDestination(f *os.File, created bool) {
	if f == nil {
		return
	}
	f.Close()
	if created {
		os.Remove(f.Name())
	}
}

// Stream src to the peer in chunks, then wait for the peer to finish with
// the data and close the channel. A failing caller must Abort the session so
// the peer does not mistake the short stream for the whole file.
func sendFile(s *direct.Session, src io.Reader, chunk int) error {
	rw, err := s.Stream()
	if err != nil {
		return err
	}
	buf := make([]byte, chunk)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := rw.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: sending: %v", msg.ErrConnect, err)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if err := s.CloseWrite(); err != nil {
		return fmt.Errorf("%w: %v", msg.ErrConnect, err)
	}
	// The receiver resets the channel if it could not keep the data
	if s.State() == direct.Streaming {
		if _, err := io.Copy(io.Discard, rw); err != nil {
			return fmt.Errorf("%w: awaiting receiver: %v", msg.ErrConnect, err)
		}
	}
	return nil
}

// Write chunks arriving from the peer to dst until end of stream
func receiveFile(s *direct.Session, dst io.Writer, chunk int) error {
	rw, err := s.Stream()
	if err != nil {
		return err
	}
	buf := make([]byte, chunk)
	for {
		n, rerr := rw.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("%w: receiving: %v", msg.ErrConnect, rerr)
		}
	}
}
