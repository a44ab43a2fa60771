package files

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/CiaranWoodward/mbus/client"
	"github.com/CiaranWoodward/mbus/direct"
	"github.com/CiaranWoodward/mbus/logging"
	"github.com/CiaranWoodward/mbus/msg"
	"github.com/CiaranWoodward/mbus/protocol"
)

// Daemon answers listing requests and serves transfers for the local host
type Daemon struct {
	c    *client.Client
	opts Options
	log  zerolog.Logger
}

// NewDaemon creates a Daemon serving requests that reach c
func NewDaemon(c *client.Client, opts Options) *Daemon {
	opts = opts.withDefaults()
	return &Daemon{c: c, opts: opts, log: logging.Component(opts.Logger, "busd")}
}

// Register installs the daemon's message and direct channel handlers on the client
func (d *Daemon) Register(ctx context.Context) error {
	dirList, err := d.c.FindTypeByName(ctx, protocol.TypeDirList)
	if err != nil {
		return err
	}
	get, err := d.c.FindTypeByName(ctx, protocol.TypeGet)
	if err != nil {
		return err
	}
	put, err := d.c.FindTypeByName(ctx, protocol.TypePut)
	if err != nil {
		return err
	}
	d.c.AddTypeCallback(dirList, client.HandlerFunc(d.handleDirList))
	d.c.AddDirectCallback(get, client.DirectFunc(d.serveTransfer))
	d.c.AddDirectCallback(put, client.DirectFunc(d.serveTransfer))
	return nil
}

// Serve registers the daemon handlers on c and runs its event loop until ctx
// ends or the broker connection is lost
func Serve(ctx context.Context, c *client.Client, opts Options) error {
	d := NewDaemon(c, opts)
	if err := d.Register(ctx); err != nil {
		return err
	}
	d.log.Info().Str("name", c.Name()).Msg("file daemon serving")
	return c.Run(ctx, 0, nil)
}

func (d *Daemon) handleDirList(m *msg.Message) {
	req, err := protocol.DecodeDirRequest(m.Payload)
	if err != nil {
		d.log.Warn().Err(err).Int32("from", int32(m.From)).Msg("bad listing request")
		return
	}
	reply := protocol.DirReply{Kind: req.Kind}
	reply.Entries, err = ListLocal(req.Path, req.Kind, d.opts.MaxEntries)
	if err != nil {
		d.log.Info().Err(err).Msg("listing failed")
		reply.Failed = true
	}
	if err := d.c.Send(&msg.Message{To: m.From, Type: req.ReplyType, Payload: reply.Encode()}); err != nil {
		d.log.Warn().Err(err).Msg("sending listing reply")
	}
}

// Serve the responder end of a transfer. The header names the transfer from
// the initiator's point of view: Get reads our file, Put writes it.
func (d *Daemon) serveTransfer(s *direct.Session) error {
	h, err := s.ReadHeader()
	if err != nil {
		return err
	}
	hdr, err := protocol.DecodeTransferHeader(h)
	if err != nil {
		s.ExchangeStatus(false)
		return err
	}
	d.log.Info().Stringer("direction", hdr.Direction).Int32("peer", int32(s.Peer)).Str("path", hdr.Remote).Msg("serving transfer")

	if hdr.Direction == protocol.Get {
		return sendPath(s, hdr.Remote, d.opts.ChunkSize)
	}
	return receivePath(s, hdr.Remote, d.opts.ChunkSize)
}
