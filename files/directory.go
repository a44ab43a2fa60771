package files

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/CiaranWoodward/mbus/client"
	"github.com/CiaranWoodward/mbus/hostaddr"
	"github.com/CiaranWoodward/mbus/logging"
	"github.com/CiaranWoodward/mbus/msg"
	"github.com/CiaranWoodward/mbus/protocol"
)

// Listing is the immediate result of ListEntries. A remote listing is only
// Pending: its entries arrive later as a message of the reply type sent by
// Daemon.
type Listing struct {
	Entries []string
	Pending bool
	Daemon  msg.ModuleID
}

// ListLocal lists the entries of kind in the directory at path, sorted and
// capped at max entries. Entries that can be neither entered nor read are
// left out of both kinds.
func ListLocal(path string, kind protocol.Kind, max int) ([]string, error) {
	dir := ExpandHome(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, msg.NewError(msg.OPEN_FAILED, "%s: %v", path, err)
	}

	names := []string{}
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		// Follow symlinks
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		switch {
		case info.IsDir():
			if kind == protocol.Directory {
				names = append(names, e.Name())
			}
		case info.Mode().IsRegular():
			if kind == protocol.File && readable(full) {
				names = append(names, e.Name())
			}
		}
	}
	sort.Strings(names)
	if max > 0 && len(names) > max {
		names = names[:max]
	}
	return names, nil
}

func readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// DirectoryService lists directories on any host of the bus
type DirectoryService struct {
	c    *client.Client
	opts Options
	log  zerolog.Logger
}

// NewDirectoryService creates a DirectoryService using c for remote requests
func NewDirectoryService(c *client.Client, opts Options) *DirectoryService {
	opts = opts.withDefaults()
	return &DirectoryService{c: c, opts: opts, log: logging.Component(opts.Logger, "files")}
}

// ListEntries lists the entries of kind in the directory at path on host.
// Local listings complete immediately. For a remote host the request is sent
// to the host's file daemon and a Pending listing is returned at once; the
// daemon answers with a message of type replyType, see OnListing and
// AwaitListing.
func (d *DirectoryService) ListEntries(ctx context.Context, host, path string, kind protocol.Kind, replyType msg.TypeID) (Listing, error) {
	class, ip, err := d.opts.Resolver.Classify(ctx, host)
	if err != nil {
		return Listing{}, err
	}
	if class == hostaddr.Local {
		names, err := ListLocal(path, kind, d.opts.MaxEntries)
		if err != nil {
			return Listing{}, err
		}
		return Listing{Entries: names}, nil
	}

	daemon, err := findDaemon(ctx, d.c, host, ip)
	if err != nil {
		return Listing{}, err
	}
	typ, err := d.c.FindTypeByName(ctx, protocol.TypeDirList)
	if err != nil {
		return Listing{}, err
	}
	req := protocol.DirRequest{Kind: kind, ReplyType: replyType, Path: path}
	if err := d.c.Send(&msg.Message{To: daemon, Type: typ, Payload: req.Encode()}); err != nil {
		return Listing{}, err
	}
	d.log.Debug().Str("host", host).Str("path", path).Stringer("kind", kind).Msg("remote listing requested")
	return Listing{Pending: true, Daemon: daemon}, nil
}

// OnListing calls fn for every listing reply of type replyType dispatched by
// the client. Malformed replies are logged and dropped.
func (d *DirectoryService) OnListing(replyType msg.TypeID, fn func(from msg.ModuleID, r protocol.DirReply)) {
	d.c.AddTypeCallback(replyType, client.HandlerFunc(func(m *msg.Message) {
		r, err := protocol.DecodeDirReply(m.Payload)
		if err != nil {
			d.log.Warn().Err(err).Int32("from", int32(m.From)).Msg("bad listing reply")
			return
		}
		fn(m.From, r)
	}))
}

// AwaitListing blocks until the daemon of a pending listing answers. A reply
// reporting that the directory could not be opened is returned as an error
// matching msg.ErrOpenFailed.
func (d *DirectoryService) AwaitListing(ctx context.Context, l Listing, replyType msg.TypeID) ([]string, error) {
	if !l.Pending {
		return l.Entries, nil
	}
	m, err := d.c.AwaitReply(ctx, client.MatchTypeFrom(replyType, l.Daemon))
	if err != nil {
		return nil, err
	}
	r, err := protocol.DecodeDirReply(m.Payload)
	if err != nil {
		return nil, err
	}
	if r.Failed {
		return nil, msg.NewError(msg.OPEN_FAILED, "remote directory")
	}
	return r.Entries, nil
}
