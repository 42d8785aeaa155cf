// Package p2p runs the libp2p host: mentor presence over gossipsub, LAN
// discovery over mDNS, and a stream transport for call signaling.
package p2p

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/petervdpas/peermentor/internal/proto"
	"github.com/petervdpas/peermentor/internal/util"
)

func init() {
	// Dial failures and backoff errors go to stderr by default.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "info")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("mdns", "warn")
}

type Options struct {
	ListenPort int
	KeyFile    string
	// Empty disables mDNS.
	MdnsTag string
	Topic   string
	// Direct peer addresses learned from presence live this long in the
	// peerstore; circuit addresses ten times as long.
	PresenceTTL time.Duration
	RelayAddrs  []string
	Log         zerolog.Logger
}

type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   zerolog.Logger

	presenceTTL time.Duration

	// one signaling transport may hold the stream handler at a time
	claimMu sync.Mutex
	claimed bool
}

type mdnsNotifee struct {
	h   host.Host
	log zerolog.Logger
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		n.log.Debug().Err(err).Str("peer", pi.ID.String()).Msg("mdns connect")
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string, log zerolog.Logger) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warn().Err(err).Str("file", keyFile).Msg("corrupt identity key, generating a new one")
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

func New(ctx context.Context, opts Options) (*Node, error) {
	log := opts.Log
	priv, isNew, err := loadOrCreateKey(opts.KeyFile, log)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Info().Str("file", opts.KeyFile).Msg("generated new identity key")
	} else {
		log.Debug().Str("file", opts.KeyFile).Msg("loaded identity key")
	}

	relays, err := parseRelays(opts.RelayAddrs)
	if err != nil {
		return nil, err
	}

	lopts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	}
	lopts = append(lopts, relayOptions(relays)...)

	h, err := libp2p.New(lopts...)
	if err != nil {
		return nil, err
	}

	if opts.MdnsTag != "" {
		md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h, log: log})
		if err := md.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	topicName := opts.Topic
	if topicName == "" {
		topicName = proto.PresenceTopic
	}
	topic, err := ps.Join(topicName)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	ttl := opts.PresenceTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	n := &Node{
		Host:        h,
		ps:          ps,
		topic:       topic,
		sub:         sub,
		log:         log.With().Str("peer", shortPeer(h.ID())).Logger(),
		presenceTTL: ttl,
	}
	if len(relays) > 0 {
		n.log.Info().Int("relays", len(relays)).Msg("relay: enabled")
	}
	n.log.Info().Strs("addrs", n.wanAddrs()).Msg("p2p node started")
	return n, nil
}

func (n *Node) ID() string { return n.Host.ID().String() }

// Connect dials a full multiaddr ending in /p2p/<id>.
func (n *Node) Connect(ctx context.Context, addr string) error {
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	pi, err := peer.AddrInfoFromP2pAddr(a)
	if err != nil {
		return err
	}
	return n.Host.Connect(ctx, *pi)
}

// Addrs returns dialable addresses for this node including its /p2p id.
func (n *Node) Addrs() []string {
	pi := peer.AddrInfo{ID: n.Host.ID(), Addrs: n.Host.Addrs()}
	full, err := peer.AddrInfoToP2pAddrs(&pi)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(full))
	for _, a := range full {
		out = append(out, a.String())
	}
	return out
}

func (n *Node) Close() error {
	n.sub.Cancel()
	_ = n.topic.Close()
	return n.Host.Close()
}

func shortPeer(id peer.ID) string {
	s := id.String()
	if len(s) > 12 {
		return s[len(s)-12:]
	}
	return s
}
