package dnsserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wardendns/wardendns/pkg/logging"

	"github.com/miekg/dns"
)

// tcpIdleTimeout is the DNS-over-TCP read idle timeout from spec section 5.
const tcpIdleTimeout = 5 * time.Second

// Server is the DNS listener: it binds UDP and/or TCP and dispatches every
// decoded message to a Processor, per spec section 4.1.
type Server struct {
	processor *Processor
	logger    *logging.Logger
	addr      string
	udpServer *dns.Server
	tcpServer *dns.Server
	running   bool
	mu        sync.RWMutex
}

// NewServer creates a Server bound to addr (":<dns_port>") that dispatches
// through processor.
func NewServer(addr string, processor *Processor, logger *logging.Logger) *Server {
	return &Server{
		addr:      addr,
		processor: processor,
		logger:    logger,
	}
}

// Start starts the UDP and TCP listeners and blocks until ctx is canceled
// or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		s.processor.Process(context.Background(), w, r)
	})

	errChan := make(chan error, 2)

	s.udpServer = &dns.Server{Addr: s.addr, Net: "udp", Handler: handler}
	go func() {
		s.logger.Info("starting UDP DNS listener", "address", s.addr)
		if err := s.udpServer.ListenAndServe(); err != nil {
			errChan <- fmt.Errorf("UDP listener failed: %w", err)
		}
	}()

	s.tcpServer = &dns.Server{Addr: s.addr, Net: "tcp", Handler: handler, ReadTimeout: tcpIdleTimeout}
	go func() {
		s.logger.Info("starting TCP DNS listener", "address", s.addr)
		if err := s.tcpServer.ListenAndServe(); err != nil {
			errChan <- fmt.Errorf("TCP listener failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("DNS listener shutting down")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.logger.Error("DNS listener error", "error", err)
		return err
	}
}

// Shutdown gracefully stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	var errs []error
	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("UDP shutdown: %w", err))
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("TCP shutdown: %w", err))
		}
	}

	s.running = false

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	s.logger.Info("DNS listener shut down")
	return nil
}

// IsRunning reports whether the listeners are active.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
