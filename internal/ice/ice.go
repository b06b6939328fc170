// Package ice provides a lightweight STUN-based reachability check used to
// pick a local address and confirm a NAT-assisted path is plausible before
// a sender thread dials a receiver's TCP port. It does not establish the
// data connection itself — WDT connections are plain TCP byte streams.
package ice

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/ice/v2"
	"github.com/pion/stun"
)

// ProberConfig holds configuration for the network prober.
type ProberConfig struct {
	StunServers []string
}

// DefaultStunServers is the STUN list used when no servers are configured.
var DefaultStunServers = []string{
	"stun.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// Prober resolves the local socket's public address via STUN so a sender
// can advertise or select a NAT-assisted path before dialing.
type Prober struct {
	config        ProberConfig
	logger        *slog.Logger
	udpConn       *net.UDPConn
	publicAddrs   []net.Addr
	iceCandidates []string
	mu            sync.Mutex
}

// NewProber opens a UDP socket and attempts to resolve its public address.
// A STUN failure is logged but not fatal: callers fall back to a plain
// dial from the local address.
func NewProber(cfg ProberConfig, logger *slog.Logger) (*Prober, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	udpAddr, err := net.ResolveUDPAddr("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local address: %w", err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		udpAddr, err = net.ResolveUDPAddr("udp4", ":0")
		if err != nil {
			return nil, fmt.Errorf("failed to resolve local address: %w", err)
		}
		conn, err = net.ListenUDP("udp4", udpAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}

	p := &Prober{config: cfg, logger: logger, udpConn: conn}

	if err := p.resolvePublicAddr(); err != nil {
		logger.Warn("failed to resolve public address (STUN)", "error", err)
	}

	candidates, err := gatherICECandidates(cfg)
	if err != nil {
		logger.Debug("ice-lite candidate gathering failed", "error", err)
	}
	p.iceCandidates = candidates

	return p, nil
}

// ICECandidates returns the host/server-reflexive candidate addresses
// gathered by the ICE-lite pre-check at construction, used only to log
// which paths look reachable before a plain TCP dial.
func (p *Prober) ICECandidates() []string {
	return p.iceCandidates
}

// gatherICECandidates runs a one-shot ICE-lite candidate gathering pass: no
// connectivity checks against a remote agent, just host and server-reflexive
// candidates, used as a stronger reachability signal than STUN alone before
// a sender thread's plain TCP dial.
func gatherICECandidates(cfg ProberConfig) ([]string, error) {
	servers := cfg.StunServers
	if len(servers) == 0 {
		servers = DefaultStunServers
	}
	urls := make([]*ice.URL, 0, len(servers))
	for _, s := range servers {
		u, err := ice.ParseURL("stun:" + strings.TrimPrefix(s, "stun:"))
		if err != nil {
			continue
		}
		urls = append(urls, u)
	}

	agent, err := ice.NewAgent(&ice.AgentConfig{
		Urls:         urls,
		NetworkTypes: []ice.NetworkType{ice.NetworkTypeUDP4},
	})
	if err != nil {
		return nil, fmt.Errorf("ice: new agent: %w", err)
	}
	defer agent.Close()

	var mu sync.Mutex
	var candidates []string
	done := make(chan struct{})
	var closeOnce sync.Once
	if err := agent.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			closeOnce.Do(func() { close(done) })
			return
		}
		mu.Lock()
		candidates = append(candidates, c.Address())
		mu.Unlock()
	}); err != nil {
		return nil, fmt.Errorf("ice: register candidate handler: %w", err)
	}

	if err := agent.GatherCandidates(); err != nil {
		return nil, fmt.Errorf("ice: gather candidates: %w", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	mu.Lock()
	defer mu.Unlock()
	return candidates, nil
}

// LocalAddr returns the local address of the underlying UDP socket.
func (p *Prober) LocalAddr() net.Addr {
	return p.udpConn.LocalAddr()
}

// PublicAddr returns one public address discovered via STUN, or nil if
// resolution failed.
func (p *Prober) PublicAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.publicAddrs) == 0 {
		return nil
	}
	return p.publicAddrs[0]
}

// Close releases the underlying UDP socket.
func (p *Prober) Close() error {
	return p.udpConn.Close()
}

// Reachable reports whether host:port answers a TCP connect attempt within
// timeout. It is used as the NAT-assist pre-check ahead of the real dial:
// a failure here lets the caller skip straight to the retry loop's usual
// backoff instead of burning a full connect timeout on a dead path.
func (p *Prober) Reachable(ctx context.Context, host string, port int, timeout time.Duration) bool {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (p *Prober) resolvePublicAddr() error {
	servers := DefaultStunServers
	if len(p.config.StunServers) > 0 {
		servers = p.config.StunServers
	}

	var resolved bool
	seen := make(map[string]struct{})
	for _, server := range servers {
		addrStr := strings.TrimPrefix(server, "stun:")
		serverAddrs, err := resolveStunAddrs(addrStr)
		if err != nil {
			p.logger.Warn("invalid STUN server", "server", server, "error", err)
			continue
		}

		msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

		for _, serverAddr := range serverAddrs {
			p.logger.Debug("sending STUN request", "server", serverAddr.String())

			if _, err := p.udpConn.WriteToUDP(msg.Raw, serverAddr); err != nil {
				continue
			}

			buf := make([]byte, 1024)
			p.udpConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			n, _, err := p.udpConn.ReadFromUDP(buf)
			p.udpConn.SetReadDeadline(time.Time{})
			if err != nil {
				continue
			}

			res := &stun.Message{Raw: buf[:n]}
			if err := res.Decode(); err != nil {
				continue
			}

			var mapped *net.UDPAddr
			var xorAddr stun.XORMappedAddress
			if err := xorAddr.GetFrom(res); err != nil {
				var mappedAddr stun.MappedAddress
				if err := mappedAddr.GetFrom(res); err != nil {
					continue
				}
				mapped = &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}
			} else {
				mapped = &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}
			}

			key := mapped.String()
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				p.mu.Lock()
				p.publicAddrs = append(p.publicAddrs, mapped)
				p.mu.Unlock()
				p.logger.Info("public address resolved", "addr", mapped)
				resolved = true
			}
		}
	}

	if !resolved {
		return fmt.Errorf("all STUN servers failed")
	}
	return nil
}

func resolveStunAddrs(addrStr string) ([]*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(addrStr)
	if err != nil {
		addr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			return nil, err
		}
		return []*net.UDPAddr{addr}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPs for %s", host)
	}
	addrs := make([]*net.UDPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, &net.UDPAddr{IP: ip.IP, Port: port})
	}
	return addrs, nil
}
