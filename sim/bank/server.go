package bank

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/simonvetter/modbus"
	"github.com/sirupsen/logrus"
)

// ServerConfig locates the Modbus/TCP endpoint.
type ServerConfig struct {
	Host       string
	Port       int
	Timeout    time.Duration // idle client timeout
	MaxClients uint
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL returns the tcp:// URL understood by the modbus library.
func (c ServerConfig) URL() string {
	return "tcp://" + c.Addr()
}

// Server exposes a Bank over Modbus/TCP. Requests are served on the
// library's own goroutines.
type Server struct {
	cfg    ServerConfig
	bank   *Bank
	server *modbus.ModbusServer
}

// NewServer prepares a server for bank; nothing listens until Start.
func NewServer(cfg ServerConfig, b *Bank) (*Server, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxClients == 0 {
		cfg.MaxClients = 16
	}
	ms, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        cfg.URL(),
		Timeout:    cfg.Timeout,
		MaxClients: cfg.MaxClients,
	}, b)
	if err != nil {
		return nil, fmt.Errorf("creating modbus server on %s: %w", cfg.Addr(), err)
	}
	return &Server{cfg: cfg, bank: b, server: ms}, nil
}

// Start begins accepting clients.
func (s *Server) Start() error {
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("starting modbus server on %s: %w", s.cfg.Addr(), err)
	}
	logrus.Infof("modbus server listening on %s", s.cfg.Addr())
	return nil
}

// Stop closes the listener and every client connection.
func (s *Server) Stop() error {
	if err := s.server.Stop(); err != nil {
		return fmt.Errorf("stopping modbus server: %w", err)
	}
	logrus.Infof("modbus server on %s stopped", s.cfg.Addr())
	return nil
}

// Bank returns the served bank.
func (s *Server) Bank() *Bank { return s.bank }

// Config returns the endpoint configuration.
func (s *Server) Config() ServerConfig { return s.cfg }
