package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/peermentor/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	P2P       P2P       `json:"p2p"`
	Signaling Signaling `json:"signaling"`
	Directory Directory `json:"directory"`
	Ledger    Ledger    `json:"ledger"`
	Call      Call      `json:"call"`
	Storage   Storage   `json:"storage"`
	Viewer    Viewer    `json:"viewer"`
	Logging   Logging   `json:"logging"`
}

type Identity struct {
	KeyFile string `json:"key_file"`

	// Set when this node is a mentor. Empty means learner.
	MentorID string `json:"mentor_id"`
	Label    string `json:"label"`
	Badge    string `json:"badge"`
}

type P2P struct {
	ListenPort int `json:"listen_port"`

	// Empty disables LAN discovery.
	MdnsTag string `json:"mdns_tag"`

	// Static circuit relays (full multiaddrs with /p2p/<id>) for mentors
	// behind NAT.
	RelayAddrs []string `json:"relay_addrs,omitempty"`
}

const (
	SignalingWS  = "ws"
	SignalingP2P = "p2p"
)

type Signaling struct {
	// "ws" talks to a hub over WebSocket, "p2p" uses libp2p streams.
	Mode string `json:"mode"`

	// Hub URL for ws mode, e.g. ws://127.0.0.1:8790/signal
	HubURL string `json:"hub_url"`

	// Bind address for `peermentor hub`.
	HubAddr string `json:"hub_addr"`

	// Requested endpoint id in ws mode. Empty lets the hub assign one.
	EndpointID string `json:"endpoint_id"`
}

type Directory struct {
	MentorsFile   string `json:"mentors_file"`
	Watch         bool   `json:"watch"`
	PresenceTopic string `json:"presence_topic"`
	TTLSec        int    `json:"ttl_seconds"`
	HeartbeatSec  int    `json:"heartbeat_seconds"`
}

const (
	PolicyDelay  = "delay"
	PolicyManual = "manual"
	PolicyLua    = "lua"
)

type Ledger struct {
	Policy          string `json:"policy"`
	ApprovalDelayMs int    `json:"approval_delay_ms"`
	SessionMinutes  int    `json:"session_minutes"`
	ScriptFile      string `json:"script_file"`
}

type Call struct {
	NegotiationTimeoutSec int      `json:"negotiation_timeout_seconds"`
	ICEServers            []string `json:"ice_servers"`
	ICEDisconnectedSec    int      `json:"ice_disconnected_seconds"`
	ICEFailedSec          int      `json:"ice_failed_seconds"`
	ICEKeepaliveSec       int      `json:"ice_keepalive_seconds"`
	MaxWidth              int      `json:"max_width"`
	MaxHeight             int      `json:"max_height"`
	VideoBitrate          int      `json:"video_bitrate"`

	// Mentor nodes keep an answer-only session armed between calls.
	AutoAnswer bool `json:"auto_answer"`
}

type Storage struct {
	DBPath string `json:"db_path"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Logging struct {
	Level string `json:"level"`
	JSON  bool   `json:"json"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
			Label:   "learner",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "peermentor-mdns",
		},
		Signaling: Signaling{
			Mode:    SignalingWS,
			HubURL:  "ws://127.0.0.1:8790/signal",
			HubAddr: "127.0.0.1:8790",
		},
		Directory: Directory{
			MentorsFile:   "mentors.json",
			Watch:         true,
			PresenceTopic: "peermentor.presence.v1",
			TTLSec:        20,
			HeartbeatSec:  5,
		},
		Ledger: Ledger{
			Policy:          PolicyDelay,
			ApprovalDelayMs: 5000,
			SessionMinutes:  60,
			ScriptFile:      "approval.lua",
		},
		Call: Call{
			NegotiationTimeoutSec: 30,
			ICEServers:            []string{"stun:stun.l.google.com:19302"},
			ICEDisconnectedSec:    30,
			ICEFailedSec:          120,
			ICEKeepaliveSec:       2,
			MaxWidth:              640,
			MaxHeight:             480,
			VideoBitrate:          500_000,
		},
		Storage: Storage{
			DBPath: "data/history.db",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8080",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}

	// Signaling
	switch c.Signaling.Mode {
	case SignalingWS:
		if err := validateHubURL(c.Signaling.HubURL); err != nil {
			return fmt.Errorf("signaling.hub_url: %w", err)
		}
	case SignalingP2P:
	default:
		return errors.New("signaling.mode must be ws or p2p")
	}

	// Directory
	if strings.TrimSpace(c.Directory.PresenceTopic) == "" {
		return errors.New("directory.presence_topic is required")
	}
	if c.Directory.TTLSec <= 0 {
		return errors.New("directory.ttl_seconds must be > 0")
	}
	if c.Directory.HeartbeatSec <= 0 {
		return errors.New("directory.heartbeat_seconds must be > 0")
	}
	if c.Directory.HeartbeatSec >= c.Directory.TTLSec {
		return errors.New("directory.heartbeat_seconds must be < directory.ttl_seconds")
	}

	// Ledger
	switch c.Ledger.Policy {
	case PolicyDelay:
		if c.Ledger.ApprovalDelayMs < 0 {
			return errors.New("ledger.approval_delay_ms must be >= 0")
		}
	case PolicyManual:
	case PolicyLua:
		if strings.TrimSpace(c.Ledger.ScriptFile) == "" {
			return errors.New("ledger.script_file is required when policy is lua")
		}
	default:
		return errors.New("ledger.policy must be delay, manual or lua")
	}
	if c.Ledger.SessionMinutes <= 0 {
		return errors.New("ledger.session_minutes must be > 0")
	}

	// Call
	if c.Call.NegotiationTimeoutSec < 1 || c.Call.NegotiationTimeoutSec > 600 {
		return errors.New("call.negotiation_timeout_seconds must be 1..600")
	}
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers: %q is not a stun/turn url", s)
		}
	}
	if c.Call.ICEDisconnectedSec < 0 || c.Call.ICEFailedSec < 0 || c.Call.ICEKeepaliveSec < 0 {
		return errors.New("call ice timeouts must be >= 0")
	}
	if c.Call.MaxWidth <= 0 || c.Call.MaxHeight <= 0 {
		return errors.New("call.max_width and call.max_height must be > 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return errors.New("storage.db_path is required")
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "", "trace", "debug", "info", "warn", "error", "disabled":
	default:
		return fmt.Errorf("logging.level %q is not recognised", c.Logging.Level)
	}

	return nil
}

func validateHubURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func (l Ledger) ApprovalDelay() time.Duration {
	return time.Duration(l.ApprovalDelayMs) * time.Millisecond
}

func (l Ledger) SessionDuration() time.Duration {
	return time.Duration(l.SessionMinutes) * time.Minute
}

func (c Call) NegotiationTimeout() time.Duration {
	return time.Duration(c.NegotiationTimeoutSec) * time.Second
}

func (d Directory) TTL() time.Duration       { return time.Duration(d.TTLSec) * time.Second }
func (d Directory) Heartbeat() time.Duration { return time.Duration(d.HeartbeatSec) * time.Second }

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file on top of the defaults without validating.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(util.StripBOM(b), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	ApplyEnv(&cfg)
	return cfg, true, cfg.Validate()
}
