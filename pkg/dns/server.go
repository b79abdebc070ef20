package dns

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/miekg/dns"

	"github.com/httpseal/alfseal/pkg/logger"
)

// Server is a UDP DNS responder that answers every A question with the
// address the query came from, the way myip.opendns.com does.
type Server struct {
	addr   string
	server *dns.Server
	logger *slog.Logger
}

// NewServer creates a DNS echo server listening on addr once started
func NewServer(addr string, log *slog.Logger) *Server {
	return &Server{
		addr:   addr,
		logger: logger.OrNop(log),
	}
}

// Start starts the DNS server and returns once it is listening
func (s *Server) Start() error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSRequest)

	started := make(chan struct{})
	s.server = &dns.Server{
		Addr:              s.addr,
		Net:               "udp",
		Handler:           mux,
		NotifyStartedFunc: func() { close(started) },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-started:
	case err := <-errCh:
		return fmt.Errorf("failed to start DNS server on %s: %w", s.addr, err)
	}

	s.logger.Debug("DNS echo server started", "addr", s.Addr())
	return nil
}

// Addr returns the address the server is bound to
func (s *Server) Addr() string {
	if s.server == nil || s.server.PacketConn == nil {
		return s.addr
	}
	return s.server.PacketConn.LocalAddr().String()
}

// Stop stops the DNS server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Shutdown()
	}
	return nil
}

// handleDNSRequest answers A questions with the querying client's address
func (s *Server) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	ip := remoteIP(w.RemoteAddr())
	for _, question := range r.Question {
		if question.Qtype != dns.TypeA || ip == nil {
			continue
		}

		s.logger.Debug("DNS echo query", "name", question.Name, "ip", ip.String())

		msg.Answer = append(msg.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   question.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    0,
			},
			A: ip,
		})
	}

	if err := w.WriteMsg(msg); err != nil {
		s.logger.Debug("Failed to write DNS response", "error", err)
	}
}

// remoteIP extracts the IPv4 address of a DNS client, nil for IPv6 clients
func remoteIP(addr net.Addr) net.IP {
	var ip net.IP
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip = a.IP
	case *net.TCPAddr:
		ip = a.IP
	default:
		return nil
	}
	return ip.To4()
}
