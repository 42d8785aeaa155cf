package p2p

import (
	"fmt"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

func parseRelays(addrs []string) ([]peer.AddrInfo, error) {
	var out []peer.AddrInfo
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("relay address %q: %w", s, err)
		}
		pi, err := peer.AddrInfoFromP2pAddr(a)
		if err != nil {
			return nil, fmt.Errorf("relay address %q: %w", s, err)
		}
		out = append(out, *pi)
	}
	return out, nil
}

// relayOptions enables circuit relay, hole punching and auto-relay through
// the configured static relays so a mentor behind NAT gets a public address.
func relayOptions(relays []peer.AddrInfo) []libp2p.Option {
	if len(relays) == 0 {
		return nil
	}
	return []libp2p.Option{
		libp2p.EnableRelay(),
		libp2p.EnableHolePunching(),
		libp2p.EnableAutoRelayWithStaticRelays(relays,
			autorelay.WithBootDelay(0),
			autorelay.WithBackoff(30*time.Second),
		),
		libp2p.ForceReachabilityPrivate(),
	}
}

func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

// wanAddrs returns the host's addresses without loopback and link-local
// ones. Circuit addresses are always kept.
func (n *Node) wanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			out = append(out, a.String())
			continue
		}
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// addPeerAddrs stores addresses from a presence message. Circuit addresses
// outlive several heartbeats, so they get a longer TTL.
func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var direct, circuit []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil && (ip.IsLoopback() || ip.IsLinkLocalUnicast()) {
			continue
		}
		if isCircuitAddr(a) {
			circuit = append(circuit, a)
		} else {
			direct = append(direct, a)
		}
	}
	if len(direct) > 0 {
		n.Host.Peerstore().AddAddrs(pid, direct, n.presenceTTL)
	}
	if len(circuit) > 0 {
		n.Host.Peerstore().AddAddrs(pid, circuit, n.presenceTTL*10)
	}
}
