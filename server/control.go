package server

import (
	"net"
	"sort"

	"github.com/CiaranWoodward/mbus/msg"
)

// Handle an incoming control request and queue the reply
func (s *Server) handleControl(sc *serverClient, m *msg.Message) {
	ctl, err := msg.DecodeControl(s.tc, m)
	if err != nil {
		s.log.Warn().Err(err).Int32("module", int32(sc.mod.ID)).Msg("bad control request")
		return
	}
	s.log.Debug().Int32("module", int32(sc.mod.ID)).Str("command", ctl.Command()).Int32("seq", m.Seq).Msg("control request")

	var rsp msg.Control
	switch {
	case ctl.IdReq != nil:
		rsp.IdRes = s.handleIdRequest(sc, ctl.IdReq)
	case ctl.FindReq != nil:
		rsp.FindRes = s.handleFindRequest(ctl.FindReq)
	case ctl.ListReq != nil:
		rsp.ListRes = &msg.ListResponse{Modules: s.connected()}
	case ctl.TypeReq != nil:
		rsp.TypeRes = &msg.TypeResponse{Type: s.typeByName(ctl.TypeReq.Name)}
	case ctl.RegReq != nil:
		rsp.RegRes = s.handleRegisterRequest(sc, ctl.RegReq)
	case ctl.DirectReq != nil:
		rsp.DirectRes = s.handleDirectRequest(sc, ctl.DirectReq)
	default:
		s.log.Warn().Int32("module", int32(sc.mod.ID)).Str("command", ctl.Command()).Msg("unsupported control request")
		return
	}

	out, err := msg.EncodeControl(s.tc, msg.OptReply, sc.mod.ID, m.Seq, rsp)
	if err != nil {
		s.log.Error().Err(err).Msg("encoding control reply")
		return
	}
	out.From = msg.BrokerAddr
	s.deliverControl(sc, out)
}

// Handle an incoming ID Request Message
func (s *Server) handleIdRequest(sc *serverClient, req *msg.IdentifyRequest) *msg.IdentifyResponse {
	host := req.Host
	if host == "" {
		host = sc.con.RemoteAddr().String()
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}

	s.clients_mutex.Lock()
	sc.mod.Name = req.Name
	sc.mod.Host = host
	sc.identified = true
	s.clients_mutex.Unlock()

	s.log.Info().Int32("module", int32(sc.mod.ID)).Str("name", req.Name).Str("host", host).Msg("module identified")
	return &msg.IdentifyResponse{Id: sc.mod.ID}
}

// Handle an incoming Find Request Message. Name lookups resolve to the
// lowest id carrying the name.
func (s *Server) handleFindRequest(req *msg.FindRequest) *msg.FindResponse {
	s.clients_mutex.Lock()
	defer s.clients_mutex.Unlock()

	if req.ById {
		if sc, ok := s.clients[req.Id]; ok && sc.identified {
			return &msg.FindResponse{Status: msg.SUCCESS, Module: sc.mod}
		}
		return &msg.FindResponse{Status: msg.NOT_FOUND}
	}

	var best *serverClient
	for _, sc := range s.clients {
		if sc.identified && sc.mod.Name == req.Name && (best == nil || sc.mod.ID < best.mod.ID) {
			best = sc
		}
	}
	if best == nil {
		return &msg.FindResponse{Status: msg.NOT_FOUND}
	}
	return &msg.FindResponse{Status: msg.SUCCESS, Module: best.mod}
}

// Every identified module, sorted by id
func (s *Server) connected() []msg.Module {
	s.clients_mutex.Lock()
	mods := make([]msg.Module, 0, len(s.clients))
	for _, sc := range s.clients {
		if sc.identified {
			mods = append(mods, sc.mod)
		}
	}
	s.clients_mutex.Unlock()

	sort.Slice(mods, func(i, j int) bool { return mods[i].ID < mods[j].ID })
	return mods
}

// Find or mint the id of a type name
func (s *Server) typeByName(name string) msg.TypeID {
	s.clients_mutex.Lock()
	defer s.clients_mutex.Unlock()
	if id, ok := s.types[name]; ok {
		return id
	}
	id := msg.TypeID(len(s.types) + 1)
	s.types[name] = id
	s.typeNames[id] = name
	s.log.Debug().Str("type", name).Int32("id", int32(id)).Msg("type created")
	return id
}

// Handle an incoming Register Request Message
func (s *Server) handleRegisterRequest(sc *serverClient, req *msg.RegisterRequest) *msg.RegisterResponse {
	s.clients_mutex.Lock()
	defer s.clients_mutex.Unlock()
	if _, ok := s.typeNames[req.Type]; !ok {
		return &msg.RegisterResponse{Status: msg.INVALID_ID}
	}
	sc.types[req.Type] = struct{}{}
	return &msg.RegisterResponse{Status: msg.SUCCESS}
}

// Handle an incoming Direct Request Message.
// The target receives an introduction carrying the requester's endpoint.
func (s *Server) handleDirectRequest(sc *serverClient, req *msg.DirectRequest) *msg.DirectResponse {
	s.clients_mutex.Lock()
	target, ok := s.clients[req.To]
	s.clients_mutex.Unlock()
	if !ok {
		return &msg.DirectResponse{Status: msg.NOT_FOUND}
	}

	intro, err := msg.EncodeControl(s.tc, msg.OptIntro, req.To, 0, msg.Control{
		Intro: &msg.DirectIntro{Addr: req.Addr, Token: req.Token},
	})
	if err != nil {
		s.log.Error().Err(err).Msg("encoding introduction")
		return &msg.DirectResponse{Status: msg.PROTOCOL_ERROR}
	}
	intro.From = sc.mod.ID
	intro.Type = req.Type
	s.deliverControl(target, intro)
	return &msg.DirectResponse{Status: msg.SUCCESS}
}
