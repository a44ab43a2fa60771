/*
Package server implements the mbus broker.

The broker assigns module ids, owns the module and type registries, routes
data messages between connected modules and introduces the two ends of direct
channels. It never relays direct channel bytes.

Each connected client gets a reader goroutine, which decodes envelopes and
routes them, and a writer goroutine fed by a bounded queue. Data that does not
fit into a receiver's queue is dropped, so a slow receiver cannot stall fast
senders. Control replies wait for queue space instead.
*/
package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/CiaranWoodward/mbus/logging"
	"github.com/CiaranWoodward/mbus/msg"
)

// DefaultQueueDepth is the per-client outbound queue length used when Options leaves it zero
const DefaultQueueDepth = 1024

// Options configure a Server
type Options struct {
	// Transcoder for control payloads, CBOR when nil
	Transcoder msg.Transcoder
	// QueueDepth bounds the outbound queue of each client
	QueueDepth int
	// Logger, the zero value discards everything
	Logger zerolog.Logger
}

// server representation of a connected client
type serverClient struct {
	// Internal connection state
	con net.Conn
	// Module description, complete once identified
	mod        msg.Module
	identified bool
	// Types registered for ByType delivery
	types map[msg.TypeID]struct{}
	// Outbound queue drained by the writer goroutine
	out  chan *msg.Message
	done chan struct{}
	once sync.Once
}

type Server struct {
	tc    msg.Transcoder
	depth int
	log   zerolog.Logger

	// Internal module ID counter (for unique IDs)
	cid int32
	// Map of all connected clients
	clients       map[msg.ModuleID]*serverClient
	clients_mutex sync.Mutex

	// Type registry, guarded by clients_mutex
	types     map[string]msg.TypeID
	typeNames map[msg.TypeID]string

	listeners []net.Listener
	closed    bool
	wg        sync.WaitGroup

	dropped atomic.Int64
}

func NewServer(opts Options) *Server {
	s := &Server{
		tc:        opts.Transcoder,
		depth:     opts.QueueDepth,
		clients:   make(map[msg.ModuleID]*serverClient),
		types:     make(map[string]msg.TypeID),
		typeNames: make(map[msg.TypeID]string),
	}
	if s.tc == nil {
		s.tc = &msg.CborTranscoder{}
	}
	if s.depth <= 0 {
		s.depth = DefaultQueueDepth
	}
	s.log = logging.Component(opts.Logger, "broker")
	return s
}

// Add a listener which will accept new incoming connections automatically
func (s *Server) AddListener(l net.Listener) {
	s.clients_mutex.Lock()
	if s.closed {
		s.clients_mutex.Unlock()
		l.Close()
		return
	}
	s.listeners = append(s.listeners, l)
	s.wg.Add(1)
	s.clients_mutex.Unlock()

	go func() {
		defer s.wg.Done()
		for {
			c, err := l.Accept()
			if err != nil {
				s.log.Debug().Err(err).Str("listener", l.Addr().String()).Msg("listener stopped")
				return
			}
			s.AddClientByConnection(c)
		}
	}()
}

// Close the server, and all associated resources and connections
func (s *Server) Close() {
	s.clients_mutex.Lock()
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	clients := make([]*serverClient, 0, len(s.clients))
	for _, sc := range s.clients {
		clients = append(clients, sc)
	}
	s.clients_mutex.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, sc := range clients {
		s.removeClient(sc)
	}
	s.wg.Wait()
}

// Dropped is the number of data messages discarded because a receiver's queue was full
func (s *Server) Dropped() int64 {
	return s.dropped.Load()
}

// AddClientByConnection takes ownership of c and serves it as a new module.
// The returned id is reported to the module when it identifies itself.
func (s *Server) AddClientByConnection(c net.Conn) msg.ModuleID {
	sc := &serverClient{
		con:   c,
		types: make(map[msg.TypeID]struct{}),
		out:   make(chan *msg.Message, s.depth),
		done:  make(chan struct{}),
	}

	s.clients_mutex.Lock()
	if s.closed {
		s.clients_mutex.Unlock()
		c.Close()
		return msg.BrokerAddr
	}
	s.cid++
	sc.mod.ID = msg.ModuleID(s.cid)
	s.clients[sc.mod.ID] = sc
	s.wg.Add(2)
	s.clients_mutex.Unlock()

	s.log.Debug().Int32("module", int32(sc.mod.ID)).Str("remote", c.RemoteAddr().String()).Msg("client connected")
	go s.startDispatcher(sc)
	go s.startWriter(sc)
	return sc.mod.ID
}

// Remove a client from server mapping and release its connection
func (s *Server) removeClient(sc *serverClient) {
	sc.once.Do(func() {
		s.clients_mutex.Lock()
		delete(s.clients, sc.mod.ID)
		name := sc.mod.Name
		s.clients_mutex.Unlock()
		close(sc.done)
		sc.con.Close()
		s.log.Info().Int32("module", int32(sc.mod.ID)).Str("name", name).Msg("client disconnected")
	})
}

// Start the dispatcher that will handle each received message
func (s *Server) startDispatcher(sc *serverClient) {
	defer s.wg.Done()
	defer s.removeClient(sc)
	for {
		m, err := msg.ReadMessage(sc.con)
		if err != nil {
			s.log.Debug().Err(err).Int32("module", int32(sc.mod.ID)).Msg("read ended")
			return
		}
		// The sender cannot lie about its identity
		m.From = sc.mod.ID

		switch m.Option {
		case msg.OptData:
			s.route(sc, m)
		case msg.OptRequest:
			s.handleControl(sc, m)
		default:
			s.log.Warn().Stringer("message", m).Msg("unexpected option from client")
		}
	}
}

// Drain the outbound queue of a client onto its connection
func (s *Server) startWriter(sc *serverClient) {
	defer s.wg.Done()
	for {
		select {
		case m := <-sc.out:
			if err := msg.WriteMessage(sc.con, m); err != nil {
				s.log.Debug().Err(err).Int32("module", int32(sc.mod.ID)).Msg("write failed")
				s.removeClient(sc)
				return
			}
		case <-sc.done:
			return
		}
	}
}

// Queue a data message for delivery, dropping it if the receiver is backed up
func (s *Server) deliver(to *serverClient, m *msg.Message) {
	select {
	case to.out <- m:
	case <-to.done:
	default:
		s.dropped.Add(1)
		s.log.Warn().
			Int32("module", int32(to.mod.ID)).
			Stringer("status", msg.NO_BUFFER).
			Stringer("message", m).
			Msg("dropping message")
	}
}

// Queue a control message, waiting for space
func (s *Server) deliverControl(to *serverClient, m *msg.Message) {
	select {
	case to.out <- m:
	case <-to.done:
	}
}

// Route a data message to its destination(s)
func (s *Server) route(sc *serverClient, m *msg.Message) {
	var targets []*serverClient

	s.clients_mutex.Lock()
	switch {
	case m.To >= 0:
		if t, ok := s.clients[m.To]; ok {
			targets = append(targets, t)
		}
	case m.To == msg.Broadcast:
		for id, t := range s.clients {
			if id != sc.mod.ID {
				targets = append(targets, t)
			}
		}
	case m.To == msg.ByType:
		for _, t := range s.clients {
			if _, ok := t.types[m.Type]; ok {
				targets = append(targets, t)
			}
		}
	case m.To == msg.Bounce:
		targets = append(targets, sc)
	}
	s.clients_mutex.Unlock()

	if len(targets) == 0 {
		s.log.Debug().Stringer("message", m).Msg("no receivers")
		return
	}
	for _, t := range targets {
		s.deliver(t, m)
	}
}
