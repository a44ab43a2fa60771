package files

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/CiaranWoodward/mbus/client"
	"github.com/CiaranWoodward/mbus/direct"
	"github.com/CiaranWoodward/mbus/hostaddr"
	"github.com/CiaranWoodward/mbus/logging"
	"github.com/CiaranWoodward/mbus/msg"
	"github.com/CiaranWoodward/mbus/protocol"
)

// TransferService copies files between this host and the file daemon of
// another host
type TransferService struct {
	c    *client.Client
	opts Options
	log  zerolog.Logger
}

// NewTransferService creates a TransferService opening channels through c
func NewTransferService(c *client.Client, opts Options) *TransferService {
	opts = opts.withDefaults()
	return &TransferService{c: c, opts: opts, log: logging.Component(opts.Logger, "files")}
}

// Transfer copies remotePath on host to localPath (Get) or localPath to
// remotePath on host (Put). Transfers are cross host only: a local host is
// rejected with msg.ErrLocalHost. When either side cannot open its file no
// bytes move and the destination is left as it was. A transport failure
// mid-stream leaves a truncated destination and reports msg.ErrConnect.
func (t *TransferService) Transfer(ctx context.Context, dir protocol.Direction, host, localPath, remotePath string) error {
	class, ip, err := t.opts.Resolver.Classify(ctx, host)
	if err != nil {
		return err
	}
	if class == hostaddr.Local {
		return msg.NewError(msg.LOCAL_HOST, "%s", host)
	}
	daemon, err := findDaemon(ctx, t.c, host, ip)
	if err != nil {
		return err
	}
	typ, err := t.c.FindTypeByName(ctx, dir.TypeName())
	if err != nil {
		return err
	}

	t.log.Info().Stringer("direction", dir).Str("host", host).Str("local", localPath).Str("remote", remotePath).Msg("transfer starting")
	hdr := protocol.TransferHeader{Direction: dir, Remote: remotePath, Local: localPath}
	err = t.c.OpenDirect(ctx, daemon, typ, func(s *direct.Session) error {
		if err := s.WriteHeader(hdr.Encode()); err != nil {
			return err
		}
		if dir == protocol.Put {
			return sendPath(s, localPath, t.opts.ChunkSize)
		}
		return receivePath(s, localPath, t.opts.ChunkSize)
	})
	if err != nil {
		return fmt.Errorf("%s %s:%s: %w", dir, host, remotePath, err)
	}
	return nil
}

// Send the file at path, after the status exchange
func sendPath(s *direct.Session, path string, chunk int) error {
	f, oerr := os.Open(ExpandHome(path))
	if err := s.ExchangeStatus(oerr == nil); err != nil {
		if oerr != nil {
			return msg.NewError(msg.OPEN_FAILED, "%v", oerr)
		}
		f.Close()
		return err
	}
	defer f.Close()
	return sendFile(s, f, chunk)
}

// Receive into the file at path, after the status exchange. The destination
// is only truncated once both sides are ready.
func receivePath(s *direct.Session, path string, chunk int) error {
	f, created, oerr := openDestination(ExpandHome(path))
	if err := s.ExchangeStatus(oerr == nil); err != nil {
		abandonDestination(f, created)
		if oerr != nil {
			return msg.NewError(msg.OPEN_FAILED, "%v", oerr)
		}
		return err
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return err
	}
	rerr := receiveFile(s, f, chunk)
	if err := f.Close(); rerr == nil {
		rerr = err
	}
	return rerr
}
