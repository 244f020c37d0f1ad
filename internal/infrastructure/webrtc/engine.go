// Package webrtc is the relay engine built on pion's ORTC objects. Each
// transport is an ICE gatherer, ICE transport and DTLS transport; producers
// are RTP receivers whose packets are fanned out to the RTP senders of their
// consumers.
package webrtc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/pkg/config"
	"rillcast/pkg/optimize"

	"github.com/google/uuid"
	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Config describes the network side of the engine.
type Config struct {
	ListenIP    string
	AnnouncedIP string
	PortMin     uint16
	PortMax     uint16
	EnableUDP   bool
	EnableTCP   bool
	TCPPort     int
	ICEServers  []webrtc.ICEServer

	// Net replaces the host network stack. Tests pass a vnet.Net.
	Net transport.Net
}

// FromConfig builds the engine configuration from the relay and webrtc
// sections of cfg.
func FromConfig(cfg *config.Config) Config {
	c := Config{
		ListenIP:    cfg.Relay.ListenIP,
		AnnouncedIP: cfg.Relay.AnnouncedIP,
		PortMin:     cfg.Relay.PortRange.Min,
		PortMax:     cfg.Relay.PortRange.Max,
		EnableUDP:   cfg.Relay.EnableUDP,
		EnableTCP:   cfg.Relay.EnableTCP,
		TCPPort:     cfg.Relay.TCPPort,
	}
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		c.ICEServers = append(c.ICEServers, server)
	}
	return c
}

// Stats is a point-in-time view of what the engine hosts.
type Stats struct {
	Workers          int
	Routers          int64
	Transports       int64
	Producers        int64
	Consumers        int64
	PacketsForwarded uint64
	BytesForwarded   uint64
}

type counters struct {
	routers    atomic.Int64
	transports atomic.Int64
	producers  atomic.Int64
	consumers  atomic.Int64
	packets    atomic.Uint64
	bytes      atomic.Uint64
}

// Engine implements ports.RelayEngine.
type Engine struct {
	cfg      Config
	net      transport.Net
	pionLogs logging.LoggerFactory
	logger   *zap.SugaredLogger
	stats    counters
	buffers  *optimize.BytePool

	mu      sync.Mutex
	tcpMux  *ice.TCPMuxDefault
	workers map[domain.WorkerID]*Worker
	closed  bool
}

func NewEngine(cfg Config, logger *zap.SugaredLogger) (*Engine, error) {
	if !cfg.EnableUDP && !cfg.EnableTCP {
		return nil, fmt.Errorf("relay engine needs udp or tcp enabled")
	}
	n := cfg.Net
	if n == nil {
		std, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("failed to open host network: %w", err)
		}
		n = std
	}
	return &Engine{
		cfg:      cfg,
		net:      n,
		pionLogs: newLoggerFactory(logger),
		buffers:  optimize.NewBytePool(receiveMTU),
		logger:   logger,
		workers:  make(map[domain.WorkerID]*Worker),
	}, nil
}

func (e *Engine) CreateWorker(ctx context.Context) (ports.RelayWorker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("relay engine closed")
	}

	settings, err := e.settingEngine()
	if err != nil {
		return nil, err
	}

	w := newWorker(e, domain.WorkerID(uuid.NewString()), settings)
	e.workers[w.id] = w
	e.logger.Infow("relay worker started", "worker_id", w.id)
	return w, nil
}

// settingEngine must be called with e.mu held.
func (e *Engine) settingEngine() (webrtc.SettingEngine, error) {
	var s webrtc.SettingEngine
	s.LoggerFactory = e.pionLogs
	s.SetNet(e.net)
	s.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)

	if e.cfg.PortMin > 0 && e.cfg.PortMax > 0 {
		if err := s.SetEphemeralUDPPortRange(e.cfg.PortMin, e.cfg.PortMax); err != nil {
			return s, fmt.Errorf("invalid relay port range: %w", err)
		}
	}
	if e.cfg.AnnouncedIP != "" {
		s.SetNAT1To1IPs([]string{e.cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if ip := net.ParseIP(e.cfg.ListenIP); ip != nil && !ip.IsUnspecified() {
		s.SetIPFilter(func(candidate net.IP) bool { return candidate.Equal(ip) })
		if ip.IsLoopback() {
			s.SetIncludeLoopbackCandidate(true)
		}
	}

	var networks []webrtc.NetworkType
	if e.cfg.EnableUDP {
		networks = append(networks, webrtc.NetworkTypeUDP4)
	}
	if e.cfg.EnableTCP {
		mux, err := e.sharedTCPMux()
		if err != nil {
			return s, err
		}
		s.SetICETCPMux(mux)
		networks = append(networks, webrtc.NetworkTypeTCP4)
	}
	s.SetNetworkTypes(networks)
	return s, nil
}

// sharedTCPMux opens the ICE-TCP listener on first use. Every worker
// shares it because they all advertise the same port.
func (e *Engine) sharedTCPMux() (*ice.TCPMuxDefault, error) {
	if e.tcpMux != nil {
		return e.tcpMux, nil
	}
	ip := net.ParseIP(e.cfg.ListenIP)
	if ip == nil {
		ip = net.IPv4zero
	}
	listener, err := e.net.ListenTCP("tcp4", &net.TCPAddr{IP: ip, Port: e.cfg.TCPPort})
	if err != nil {
		return nil, fmt.Errorf("failed to listen for ice-tcp on port %d: %w", e.cfg.TCPPort, err)
	}
	e.tcpMux = ice.NewTCPMuxDefault(ice.TCPMuxParams{
		Listener:       listener,
		Logger:         e.pionLogs.NewLogger("ice-tcp"),
		ReadBufferSize: 8,
	})
	e.logger.Infow("ice-tcp listening", "address", listener.Addr().String())
	return e.tcpMux, nil
}

func (e *Engine) removeWorker(id domain.WorkerID) {
	e.mu.Lock()
	delete(e.workers, id)
	e.mu.Unlock()
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	workers := len(e.workers)
	e.mu.Unlock()
	return Stats{
		Workers:          workers,
		Routers:          e.stats.routers.Load(),
		Transports:       e.stats.transports.Load(),
		Producers:        e.stats.producers.Load(),
		Consumers:        e.stats.consumers.Load(),
		PacketsForwarded: e.stats.packets.Load(),
		BytesForwarded:   e.stats.bytes.Load(),
	}
}

// Close stops every worker and the ICE-TCP listener.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	workers := make([]*Worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	mux := e.tcpMux
	e.mu.Unlock()

	for _, w := range workers {
		_ = w.Close()
	}
	if mux != nil {
		return mux.Close()
	}
	return nil
}
