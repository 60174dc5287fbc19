// Package p2p bootstraps peer discovery for a node that has not yet
// found any row in the shared KV store to read a bootstrap peer list
// from. It is used exactly once, at startup, to discover an initial set
// of dialable addresses; once a node has read the membership table
// (internal/membership) it never consults this package again for
// steady-state operation (spec.md §4.1's node-status table, not libp2p
// pubsub or DHT records, is the system of record for membership).
package p2p

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
)

// mdnsServiceTag namespaces local-network discovery so a Mu node never
// mistakes an unrelated libp2p host on the same LAN for a bootstrap peer.
const mdnsServiceTag = "mu-executor-bootstrap"

// Bootstrapper discovers an initial set of peer addresses to dial before
// the local node has any membership rows to read. The executor keeps it
// open until the supervisor exits and then closes it.
type Bootstrapper struct {
	host host.Host
	dht  *dht.IpfsDHT
	log  zerolog.Logger

	found chan peer.AddrInfo
}

// Config controls how a Bootstrapper discovers peers.
type Config struct {
	// ListenAddrs are multiaddrs the ephemeral libp2p host listens on
	// (e.g. "/ip4/0.0.0.0/tcp/0" for an OS-assigned port; bootstrap
	// traffic does not share a port with the internal RPC listener).
	ListenAddrs []string
	// EnableMDNS turns on local-network peer discovery, useful for
	// single-datacenter or development clusters.
	EnableMDNS bool
	// StaticPeers are multiaddr strings (e.g.
	// "/ip4/10.0.0.5/tcp/4001/p2p/<peer-id>") seeded from configuration
	// or the MU_BOOTSTRAP_PEERS environment variable, matching
	// beemesh's BEEMESH_BOOTSTRAP_PEERS convention.
	StaticPeers []string
}

// StaticPeersFromEnv parses the MU_BOOTSTRAP_PEERS environment variable
// (a comma-separated multiaddr list) the way beemesh's registry package
// reads BEEMESH_BOOTSTRAP_PEERS.
func StaticPeersFromEnv() []string {
	raw := os.Getenv("MU_BOOTSTRAP_PEERS")
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

type discoveryNotifee struct {
	h     host.Host
	log   zerolog.Logger
	found chan peer.AddrInfo
}

// HandlePeerFound implements mdns.Notifee: it dials the discovered peer
// in the background and forwards its address to the Bootstrapper.
func (n *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.h.Connect(ctx, pi); err != nil {
			n.log.Debug().Err(err).Str("peer", pi.ID.String()).Msg("p2p: mdns peer connect failed")
			return
		}
		select {
		case n.found <- pi:
		default:
		}
	}()
}

// New starts an ephemeral libp2p host and, depending on cfg, mDNS
// discovery and/or a Kademlia DHT seeded from cfg.StaticPeers. The
// returned Bootstrapper's host is closed by Close; it is never reused
// as the RPC transport (internal/rpc dials plain TLS, not libp2p
// streams, once membership rows carry addresses).
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Bootstrapper, error) {
	log = log.With().Str("component", "p2p").Logger()

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	b := &Bootstrapper{
		host:  h,
		log:   log,
		found: make(chan peer.AddrInfo, 32),
	}

	if cfg.EnableMDNS {
		svc := mdns.NewMdnsService(h, mdnsServiceTag, &discoveryNotifee{h: h, log: log, found: b.found})
		if err := svc.Start(); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("p2p: start mdns: %w", err)
		}
	}

	var bootstrappers []peer.AddrInfo
	for _, s := range cfg.StaticPeers {
		ai, err := peer.AddrInfoFromString(s)
		if err != nil {
			log.Warn().Err(err).Str("addr", s).Msg("p2p: invalid bootstrap peer, skipping")
			continue
		}
		bootstrappers = append(bootstrappers, *ai)
	}

	if len(bootstrappers) > 0 {
		d, err := dht.New(ctx, h, dht.BootstrapPeers(bootstrappers...))
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("p2p: create dht: %w", err)
		}
		if err := d.Bootstrap(ctx); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("p2p: bootstrap dht: %w", err)
		}
		b.dht = d

		for _, ai := range bootstrappers {
			select {
			case b.found <- ai:
			default:
			}
		}
	}

	return b, nil
}

// Found yields peer addresses as they are discovered, either via mDNS
// or from the configured static/DHT bootstrap set. Consumers dial the
// addrs directly (via their advertised host:port once resolved through
// membership, not through the libp2p stream itself) and stop reading
// once they've assembled enough of an initial peer set.
func (b *Bootstrapper) Found() <-chan peer.AddrInfo {
	return b.found
}

// Addrs returns the multiaddrs this host is reachable on, useful for
// logging and for advertising to peers that dial back during discovery.
func (b *Bootstrapper) Addrs() []ma.Multiaddr {
	return b.host.Addrs()
}

// Close shuts down the DHT (if started) and the underlying libp2p host.
func (b *Bootstrapper) Close() error {
	if b.dht != nil {
		if err := b.dht.Close(); err != nil {
			b.log.Warn().Err(err).Msg("p2p: dht close failed")
		}
	}
	return b.host.Close()
}
