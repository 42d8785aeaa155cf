package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/petervdpas/peermentor/internal/call"
	"github.com/petervdpas/peermentor/internal/config"
	"github.com/petervdpas/peermentor/internal/directory"
	"github.com/petervdpas/peermentor/internal/ledger"
	"github.com/petervdpas/peermentor/internal/media"
	"github.com/petervdpas/peermentor/internal/p2p"
	"github.com/petervdpas/peermentor/internal/rtc"
	"github.com/petervdpas/peermentor/internal/signal"
	"github.com/petervdpas/peermentor/internal/storage"
	"github.com/petervdpas/peermentor/internal/util"
	"github.com/petervdpas/peermentor/internal/viewer"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// Run starts one learner or mentor node and blocks until ctx ends.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	logBuf := viewer.NewLogBuffer(800)
	log := NewLogger(cfg.Logging, logBuf)

	role := "learner"
	if cfg.Identity.MentorID != "" {
		role = "mentor"
	}
	logBanner(log, opt.Dir, opt.CfgPath, role)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ── Storage
	db, err := storage.Open(util.ResolvePath(opt.Dir, cfg.Storage.DBPath))
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info().Str("path", db.Path()).Msg("database opened")

	// ── Directory
	table := directory.NewTable()
	mentorsFile := util.ResolvePath(opt.Dir, cfg.Directory.MentorsFile)
	if err := loadDirectory(ctx, table, mentorsFile, cfg.Directory.Watch, component(log, "directory")); err != nil {
		return err
	}
	seedMentors(table, db, component(log, "storage"))
	runMentorCache(ctx, table, db, component(log, "storage"))

	// ── P2P: presence always, signaling in p2p mode
	node, err := p2p.New(ctx, p2p.Options{
		ListenPort:  cfg.P2P.ListenPort,
		KeyFile:     util.ResolvePath(opt.Dir, cfg.Identity.KeyFile),
		MdnsTag:     cfg.P2P.MdnsTag,
		Topic:       cfg.Directory.PresenceTopic,
		PresenceTTL: cfg.Directory.TTL(),
		RelayAddrs:  cfg.P2P.RelayAddrs,
		Log:         component(log, "p2p"),
	})
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()

	node.RunPresenceLoop(ctx, table)
	node.RunPruner(ctx, table)
	if cfg.Identity.MentorID != "" {
		announce := p2p.Announcement{
			MentorID: cfg.Identity.MentorID,
			Name:     cfg.Identity.Label,
			Badge:    cfg.Identity.Badge,
		}
		if cfg.Signaling.Mode == config.SignalingWS {
			announce.EndpointID = cfg.Signaling.EndpointID
			if announce.EndpointID == "" {
				log.Warn().Msg("mentor in ws mode without signaling.endpoint_id: learners cannot reach this node through presence")
			}
		}
		node.RunHeartbeat(ctx, cfg.Directory.Heartbeat(), announce)
	}

	// ── Ledger
	policy, closePolicy, err := buildPolicy(cfg.Ledger, opt.Dir, component(log, "ledger"))
	if err != nil {
		return err
	}
	defer closePolicy()
	led := ledger.New(
		ledger.WithPolicy(policy),
		ledger.WithSessionDuration(cfg.Ledger.SessionDuration()),
		ledger.WithLogger(component(log, "ledger")),
	)
	defer led.Close()
	runRequestAudit(ctx, led, db, component(log, "storage"))

	// ── Calls
	src, err := media.NewDeviceSource(media.Constraints{
		MaxWidth:     cfg.Call.MaxWidth,
		MaxHeight:    cfg.Call.MaxHeight,
		VideoBitrate: cfg.Call.VideoBitrate,
	}, component(log, "media"))
	if err != nil {
		return fmt.Errorf("media source: %w", err)
	}
	reg, err := rtc.NewRegistrar(rtcConfig(cfg.Call, src), signalingDialer(cfg.Signaling, node, component(log, "signal")), component(log, "rtc"))
	if err != nil {
		return err
	}

	var svc *Service
	calls := call.NewManager(call.Options{
		Registrar:          reg,
		Media:              src,
		NegotiationTimeout: cfg.Call.NegotiationTimeout(),
		Logger:             component(log, "call"),
		OnEnd:              func(st call.Status) { svc.CallEnded(st) },
	})
	svc = NewService(ServiceOptions{
		Directory: table,
		Ledger:    led,
		Calls:     calls,
		DB:        db,
		Log:       component(log, "app"),
	})
	defer svc.Close()
	if cfg.Call.AutoAnswer {
		svc.SetAutoAnswer(true)
	}

	// ── HTTP API
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		errCh := make(chan error, 1)
		go func() {
			errCh <- viewer.Start(ctx, addr, viewer.Viewer{
				Service:   svc,
				Logs:      logBuf,
				StatusFor: HTTPStatus,
				Log:       component(log, "viewer"),
			})
		}()
		if err := WaitTCP(addr, util.DefaultConnectTimeout); err != nil {
			select {
			case err := <-errCh:
				return fmt.Errorf("http api: %w", err)
			default:
			}
			return err
		}
		log.Info().Str("url", url).Msg("http api ready")
	}

	log.Info().Str("peer", node.ID()).Strs("addrs", node.Addrs()).Str("signaling", cfg.Signaling.Mode).Msg("node running")
	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

func loadDirectory(ctx context.Context, t *directory.Table, path string, watch bool, log zerolog.Logger) error {
	list, err := directory.LoadFile(path)
	switch {
	case err == nil:
		t.Replace(list)
		log.Info().Int("mentors", len(list)).Str("file", path).Msg("mentor directory loaded")
	case os.IsNotExist(err):
		log.Info().Str("file", path).Msg("no mentor directory file, relying on presence")
	default:
		return fmt.Errorf("mentor directory: %w", err)
	}
	if !watch {
		return nil
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return nil
	}
	return directory.Watch(ctx, path, t, log)
}

// buildPolicy returns the approval policy and a func releasing it.
func buildPolicy(c config.Ledger, dir string, log zerolog.Logger) (ledger.Policy, func(), error) {
	switch c.Policy {
	case config.PolicyManual:
		return ledger.Manual{}, func() {}, nil
	case config.PolicyLua:
		path := util.ResolvePath(dir, c.ScriptFile)
		p, err := ledger.LoadLuaPolicy(path, log)
		if err != nil {
			return nil, nil, fmt.Errorf("approval script %s: %w", path, err)
		}
		log.Info().Str("script", path).Msg("lua approval policy loaded")
		return p, p.Close, nil
	default:
		return ledger.FixedDelay(c.ApprovalDelay()), func() {}, nil
	}
}

func rtcConfig(c config.Call, src *media.DeviceSource) rtc.Config {
	return rtc.Config{
		ICEServers:          c.ICEServers,
		DisconnectedTimeout: secs(c.ICEDisconnectedSec),
		FailedTimeout:       secs(c.ICEFailedSec),
		KeepAliveInterval:   secs(c.ICEKeepaliveSec),
		RegisterCodecs:      src.RegisterCodecs,
	}
}

func signalingDialer(c config.Signaling, node *p2p.Node, log zerolog.Logger) rtc.Dialer {
	if c.Mode == config.SignalingP2P {
		return func(context.Context) (signal.Transport, error) {
			return node.NewTransport(), nil
		}
	}
	return func(ctx context.Context) (signal.Transport, error) {
		tr, err := signal.DialWS(ctx, c.HubURL, c.EndpointID, log)
		if err != nil {
			return nil, err
		}
		return tr, nil
	}
}
