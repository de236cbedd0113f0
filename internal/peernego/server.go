// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package peernego implements the peer negotiation RPC surface of spec.md
// §4.4: an XML-RPC server every node exposes so other nodes can ask it to
// open a topic connection, push a subscriber's updated publisher list,
// report bus diagnostics, or shut down.
package peernego

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/it-robotics/cros/errs"
	"github.com/it-robotics/cros/internal/apicall"
	"github.com/it-robotics/cros/internal/logging"
	"github.com/it-robotics/cros/internal/loopbus"
	"github.com/it-robotics/cros/internal/xmlcodec"
)

// BusInfoRow is one entry of the getBusInfo response: spec.md §3's
// supplemented diagnostics surface, shaped after the original
// implementation's (connectionId, destinationId, direction, transport,
// topic, connected) tuple.
type BusInfoRow struct {
	ConnectionID int
	PeerNodeName string
	Direction    string // "in", "out", or "both"
	Transport    string // "TCPROS", "negotiation"
	Topic        string
	Connected    bool
}

// Handlers implements the four negotiation RPC methods. Every method is
// invoked from a per-connection goroutine (never the loop goroutine); an
// implementation that touches Node state must hop through a loopbus.Bus
// itself (see root package wiring).
type Handlers struct {
	RequestTopic    func(callerID, topic string, protocols []xmlcodec.Value) (proto string, host string, port int, err error)
	PublisherUpdate func(callerID, topic string, publishers []string) error
	GetBusInfo      func(callerID string) ([]BusInfoRow, error)
	Shutdown        func(callerID, reason string) error
}

// Server accepts connections on a listener and answers exactly one
// XML-RPC request per connection (the negotiation RPC surface has no
// long-lived persistent-connection mode, unlike the data channel's service
// calls).
type Server struct {
	ln       net.Listener
	handlers Handlers
	bus      *loopbus.Bus
	log      *zap.Logger
}

// NewServer wraps an already-listening ln. bus is stored on the Server but
// not used by it; accept errors are logged directly through log, and
// handler callbacks run on their own connection goroutine and are
// responsible for their own synchronization with Node state.
func NewServer(ln net.Listener, handlers Handlers, bus *loopbus.Bus, log *zap.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{ln: ln, handlers: handlers, bus: bus, log: log}
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until the listener is closed. Run it on its own
// goroutine; it returns nil on a clean listener-closed shutdown.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && !ne.Temporary() {
				return nil
			}
			s.log.Warn("peernego: accept failed", zap.Error(err))
			continue
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		s.log.Debug("peernego: malformed HTTP request", zap.Error(err))
		return
	}
	defer req.Body.Close()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		s.log.Debug("peernego: reading request body", zap.Error(err))
		return
	}

	call, err := xmlcodec.DecodeCall(body)
	if err != nil {
		s.writeFault(conn, 400, err.Error())
		return
	}

	params, rerr := s.dispatch(call)
	if rerr != nil {
		if f, ok := rerr.(*xmlcodec.Fault); ok {
			s.writeFault(conn, f.Code, f.Message)
			return
		}
		s.writeFault(conn, 500, errs.Render(rerr))
		return
	}
	s.writeResponse(conn, params)
}

func (s *Server) dispatch(call *xmlcodec.MethodCall) ([]xmlcodec.Value, error) {
	switch call.MethodName {
	case apicall.RequestTopic.String():
		return s.handleRequestTopic(call.Params)
	case apicall.PublisherUpdate.String():
		return s.handlePublisherUpdate(call.Params)
	case apicall.GetBusInfo.String():
		return s.handleGetBusInfo(call.Params)
	case apicall.Shutdown.String():
		return s.handleShutdown(call.Params)
	default:
		return nil, errs.New(errs.BadArgument, "peernego", "unknown negotiation RPC method ", call.MethodName)
	}
}

func (s *Server) handleRequestTopic(params []xmlcodec.Value) ([]xmlcodec.Value, error) {
	if len(params) < 3 {
		return nil, errs.New(errs.BadArgument, "peernego", "requestTopic: expected 3 params")
	}
	callerID, _ := params[0].AsString()
	topic, _ := params[1].AsString()
	protocols, _ := params[2].AsArray()

	if s.handlers.RequestTopic == nil {
		return nil, errs.New(errs.InternalInvariant, "peernego", "no RequestTopic handler installed")
	}
	proto, host, port, err := s.handlers.RequestTopic(callerID, topic, protocols)
	if err != nil {
		return nil, err
	}
	return []xmlcodec.Value{
		xmlcodec.Int(1),
		xmlcodec.Str("negotiated"),
		xmlcodec.Arr(xmlcodec.Str(proto), xmlcodec.Str(host), xmlcodec.Int(port)),
	}, nil
}

func (s *Server) handlePublisherUpdate(params []xmlcodec.Value) ([]xmlcodec.Value, error) {
	if len(params) < 3 {
		return nil, errs.New(errs.BadArgument, "peernego", "publisherUpdate: expected 3 params")
	}
	callerID, _ := params[0].AsString()
	topic, _ := params[1].AsString()
	list, _ := params[2].AsArray()
	uris := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.AsString(); ok {
			uris = append(uris, s)
		}
	}
	if s.handlers.PublisherUpdate == nil {
		return nil, errs.New(errs.InternalInvariant, "peernego", "no PublisherUpdate handler installed")
	}
	if err := s.handlers.PublisherUpdate(callerID, topic, uris); err != nil {
		return nil, err
	}
	return []xmlcodec.Value{xmlcodec.Int(1), xmlcodec.Str("ok"), xmlcodec.Int(0)}, nil
}

func (s *Server) handleGetBusInfo(params []xmlcodec.Value) ([]xmlcodec.Value, error) {
	var callerID string
	if len(params) > 0 {
		callerID, _ = params[0].AsString()
	}
	if s.handlers.GetBusInfo == nil {
		return []xmlcodec.Value{xmlcodec.Int(1), xmlcodec.Str("ok"), xmlcodec.Arr()}, nil
	}
	rows, err := s.handlers.GetBusInfo(callerID)
	if err != nil {
		return nil, err
	}
	rowValues := make([]xmlcodec.Value, 0, len(rows))
	for _, r := range rows {
		rowValues = append(rowValues, xmlcodec.Arr(
			xmlcodec.Int(r.ConnectionID),
			xmlcodec.Str(r.PeerNodeName),
			xmlcodec.Str(r.Direction),
			xmlcodec.Str(r.Transport),
			xmlcodec.Str(r.Topic),
			xmlcodec.Bool(r.Connected),
		))
	}
	return []xmlcodec.Value{xmlcodec.Int(1), xmlcodec.Str("ok"), xmlcodec.Arr(rowValues...)}, nil
}

func (s *Server) handleShutdown(params []xmlcodec.Value) ([]xmlcodec.Value, error) {
	var callerID, reason string
	if len(params) > 0 {
		callerID, _ = params[0].AsString()
	}
	if len(params) > 1 {
		reason, _ = params[1].AsString()
	}
	if s.handlers.Shutdown == nil {
		return nil, errs.New(errs.InternalInvariant, "peernego", "no Shutdown handler installed")
	}
	if err := s.handlers.Shutdown(callerID, reason); err != nil {
		return nil, err
	}
	return []xmlcodec.Value{xmlcodec.Int(1), xmlcodec.Str("ok"), xmlcodec.Int(0)}, nil
}

func (s *Server) writeResponse(conn net.Conn, params []xmlcodec.Value) {
	body, err := xmlcodec.EncodeResponse(params)
	if err != nil {
		s.writeFault(conn, 500, err.Error())
		return
	}
	s.writeHTTP(conn, 200, "OK", body)
}

func (s *Server) writeFault(conn net.Conn, code int, message string) {
	body, err := xmlcodec.EncodeFault(code, message)
	if err != nil {
		// Encoding a fault should never itself fail; fall back to a bare
		// 500 with no body rather than panicking the connection goroutine.
		s.writeHTTP(conn, 500, "Internal Server Error", nil)
		return
	}
	s.writeHTTP(conn, 200, "OK", body) // XML-RPC faults ride inside a 200 response body
}

func (s *Server) writeHTTP(conn net.Conn, code int, status string, body []byte) {
	fmt.Fprintf(conn, "HTTP/1.0 %d %s\r\n", code, status)
	fmt.Fprintf(conn, "Content-Type: text/xml\r\n")
	fmt.Fprintf(conn, "Content-Length: %s\r\n", strconv.Itoa(len(body)))
	fmt.Fprintf(conn, "Connection: close\r\n\r\n")
	conn.Write(body)
}
