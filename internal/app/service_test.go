package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/petervdpas/peermentor/internal/call"
	"github.com/petervdpas/peermentor/internal/config"
	"github.com/petervdpas/peermentor/internal/directory"
	"github.com/petervdpas/peermentor/internal/ledger"
	"github.com/petervdpas/peermentor/internal/media"
	"github.com/petervdpas/peermentor/internal/storage"
)

var errHubDown = errors.New("hub down")

type downRegistrar struct{}

func (downRegistrar) Register(context.Context) (call.Endpoint, error) { return nil, errHubDown }

type noMedia struct{}

func (noMedia) UserMedia(context.Context) (*media.Stream, error) {
	return nil, media.ErrDeviceUnavailable
}

func (noMedia) DisplayMedia(context.Context) (*media.Stream, error) {
	return nil, media.ErrDeviceUnavailable
}

type fixture struct {
	svc   *Service
	table *directory.Table
	led   *ledger.Ledger
	db    *storage.DB
}

func newFixture(t *testing.T, now func() time.Time) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	table := directory.NewTable()
	table.Replace([]directory.Mentor{
		{ID: "1", Name: "Arjun", Badge: "React Expert", Presence: directory.Online, EndpointID: "mentor-arjun-123"},
		{ID: "2", Name: "Ananya", Badge: "Data Science"},
	})
	led := ledger.New(ledger.WithPolicy(ledger.Manual{}))
	t.Cleanup(led.Close)

	var svc *Service
	calls := call.NewManager(call.Options{
		Registrar:          downRegistrar{},
		Media:              noMedia{},
		NegotiationTimeout: time.Second,
		Logger:             zerolog.Nop(),
		OnEnd:              func(st call.Status) { svc.CallEnded(st) },
	})
	svc = NewService(ServiceOptions{
		Directory: table,
		Ledger:    led,
		Calls:     calls,
		DB:        db,
		Now:       now,
		Log:       zerolog.Nop(),
	})
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, table: table, led: led, db: db}
}

func TestRequestUnknownMentor(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.svc.Request("404"); !errors.Is(err, ErrUnknownMentor) {
		t.Fatalf("Request(404) err = %v", err)
	}
	if len(f.svc.Requests()) != 0 {
		t.Fatal("unknown mentor reached the ledger")
	}
}

func TestRequestAcceptCancel(t *testing.T) {
	f := newFixture(t, nil)

	r, err := f.svc.Request("1")
	if err != nil || r.Status != ledger.Pending {
		t.Fatalf("Request = %+v, %v", r, err)
	}
	again, _ := f.svc.Request("1")
	if !again.CreatedAt.Equal(r.CreatedAt) {
		t.Fatal("repeated request replaced the pending one")
	}

	if _, err := f.svc.Accept("2"); !errors.Is(err, ErrNoPending) {
		t.Fatalf("Accept without request err = %v", err)
	}
	acc, err := f.svc.Accept("1")
	if err != nil || acc.Status != ledger.Accepted {
		t.Fatalf("Accept = %+v, %v", acc, err)
	}
	if got := acc.WindowEnd.Sub(acc.WindowStart); got != ledger.DefaultSessionDuration {
		t.Fatalf("window = %v", got)
	}

	f.svc.Cancel("1")
	if _, ok := f.svc.Requests()["1"]; ok {
		t.Fatal("cancelled request still listed")
	}
}

func TestConnectGates(t *testing.T) {
	later := time.Now().Add(2 * time.Hour)
	var now time.Time
	f := newFixture(t, func() time.Time {
		if now.IsZero() {
			return time.Now()
		}
		return now
	})
	ctx := context.Background()

	if _, err := f.svc.Connect(ctx, "404"); !errors.Is(err, ErrUnknownMentor) {
		t.Fatalf("unknown mentor err = %v", err)
	}
	if _, err := f.svc.Connect(ctx, "1"); !errors.Is(err, ErrNotAccepted) {
		t.Fatalf("no request err = %v", err)
	}
	_, _ = f.svc.Request("1")
	if _, err := f.svc.Connect(ctx, "1"); !errors.Is(err, ErrNotAccepted) {
		t.Fatalf("pending request err = %v", err)
	}
	if _, err := f.svc.Accept("1"); err != nil {
		t.Fatal(err)
	}

	now = later
	if _, err := f.svc.Connect(ctx, "1"); !errors.Is(err, ErrWindowInactive) {
		t.Fatalf("expired window err = %v", err)
	}

	_, _ = f.svc.Request("2")
	_, _ = f.svc.Accept("2")
	now = time.Time{}
	if _, err := f.svc.Connect(ctx, "2"); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("mentor without endpoint err = %v", err)
	}
}

func TestConnectFailureIsRecorded(t *testing.T) {
	f := newFixture(t, nil)
	_, _ = f.svc.Request("1")
	_, _ = f.svc.Accept("1")

	st, err := f.svc.Connect(context.Background(), "1")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if st.MentorID != "1" {
		t.Fatalf("status mentor = %q", st.MentorID)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		hist, err := f.svc.History(10)
		if err != nil {
			t.Fatal(err)
		}
		if len(hist) == 1 {
			h := hist[0]
			if h.Phase != string(call.Failed) || h.Reason != string(call.EndpointUnavailable) || h.MentorID != "1" {
				t.Fatalf("history = %+v", h)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failed call never recorded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cur, _, err := f.svc.CallStatus()
	if err != nil || cur.Phase != call.Failed {
		t.Fatalf("CallStatus = %+v, %v", cur, err)
	}
	if cur.Message != call.EndpointUnavailable.Text() && !strings.Contains(cur.Message, "call service") {
		t.Fatalf("message = %q", cur.Message)
	}

	// End Call after the session already finished is still a success
	if st, err := f.svc.CloseCall(); err != nil || st.Phase != call.Failed {
		t.Fatalf("CloseCall after failure = %+v, %v", st, err)
	}
}

func TestTogglesWithoutSession(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.svc.ToggleMute(); !errors.Is(err, call.ErrNoSession) {
		t.Fatalf("ToggleMute err = %v", err)
	}
	if _, err := f.svc.CloseCall(); !errors.Is(err, call.ErrNoSession) {
		t.Fatalf("CloseCall err = %v", err)
	}
	st, _, err := f.svc.CallStatus()
	if !errors.Is(err, call.ErrNoSession) || st.Phase != call.Idle {
		t.Fatalf("CallStatus = %+v, %v", st, err)
	}
}

func TestRequestAuditAndMentorCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runRequestAudit(ctx, f.led, f.db, zerolog.Nop())
	runMentorCache(ctx, f.table, f.db, zerolog.Nop())

	_, _ = f.svc.Request("1")
	_, _ = f.svc.Accept("1")
	f.table.Announce(directory.Mentor{ID: "9", Name: "Kabir", Badge: "Rust", EndpointID: "peer-9"})

	deadline := time.Now().Add(3 * time.Second)
	for {
		log, _ := f.svc.RequestLog("1", 0)
		cached, _ := f.db.ListCachedMentors()
		if len(log) == 2 && len(cached) > 0 {
			if log[0].Event != ledger.EventAccepted || log[1].Event != ledger.EventRequested {
				t.Fatalf("audit = %+v", log)
			}
			found := false
			for _, m := range cached {
				if m.ID == "9" && m.EndpointID == "peer-9" {
					found = true
				}
			}
			if !found {
				t.Fatalf("cache = %+v", cached)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit=%v cache=%v", log, cached)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// a fresh table picks the cached mentor up as offline
	fresh := directory.NewTable()
	seedMentors(fresh, f.db, zerolog.Nop())
	if m, ok := fresh.Get("9"); !ok || m.Online() || m.Name != "Kabir" {
		t.Fatalf("seeded = %+v, %v", m, ok)
	}
}

func TestBuildPolicy(t *testing.T) {
	dir := t.TempDir()
	if p, _, err := buildPolicy(config.Ledger{Policy: config.PolicyManual}, dir, zerolog.Nop()); err != nil {
		t.Fatal(err)
	} else if _, ok := p.(ledger.Manual); !ok {
		t.Fatalf("manual policy = %T", p)
	}

	p, _, err := buildPolicy(config.Ledger{Policy: config.PolicyDelay, ApprovalDelayMs: 1500}, dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if d, ok := p.Delay(ledger.MentorRequest{}); !ok || d != 1500*time.Millisecond {
		t.Fatalf("delay policy = %v, %v", d, ok)
	}

	if _, _, err := buildPolicy(config.Ledger{Policy: config.PolicyLua, ScriptFile: "missing.lua"}, dir, zerolog.Nop()); err == nil {
		t.Fatal("missing lua script accepted")
	}
}

func TestNormalizeLocalViewer(t *testing.T) {
	tests := []struct{ in, addr, url string }{
		{":8080", "127.0.0.1:8080", "http://127.0.0.1:8080"},
		{"0.0.0.0:9000", "127.0.0.1:9000", "http://127.0.0.1:9000"},
		{" localhost:7000 ", "localhost:7000", "http://localhost:7000"},
	}
	for _, tt := range tests {
		addr, url := NormalizeLocalViewer(tt.in)
		if addr != tt.addr || url != tt.url {
			t.Errorf("NormalizeLocalViewer(%q) = %q, %q", tt.in, addr, url)
		}
	}
}

func TestPromptInteractiveMentor(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		"Arjun",  // display name
		"y",      // mentor
		"1",      // mentor id
		"React",  // badge
		"",       // auto answer default (y)
		"p2p",    // signaling mode
		"4001",   // listen port
		"manual", // policy
		"",       // http addr
	}, "\n") + "\n")
	var out strings.Builder
	cfg := PromptInteractive(in, &out, "/tmp/node", "/tmp/node/peermentor.json", config.Default())

	if cfg.Identity.MentorID != "1" || cfg.Identity.Label != "Arjun" || cfg.Identity.Badge != "React" {
		t.Fatalf("identity = %+v", cfg.Identity)
	}
	if !cfg.Call.AutoAnswer || cfg.Signaling.Mode != config.SignalingP2P || cfg.P2P.ListenPort != 4001 {
		t.Fatalf("cfg = %+v / %+v / %+v", cfg.Call, cfg.Signaling, cfg.P2P)
	}
	if cfg.Ledger.Policy != config.PolicyManual || cfg.Viewer.HTTPAddr != config.Default().Viewer.HTTPAddr {
		t.Fatalf("ledger=%+v viewer=%+v", cfg.Ledger, cfg.Viewer)
	}
}

func TestPromptInteractiveInvalidFallsBack(t *testing.T) {
	in := strings.NewReader("Sam\nn\ncarrier-pigeon\nmanual\n\n")
	var out strings.Builder
	cfg := PromptInteractive(in, &out, "/tmp/node", "/tmp/node/peermentor.json", config.Default())
	if cfg.Signaling.Mode != config.Default().Signaling.Mode {
		t.Fatalf("invalid mode kept: %q", cfg.Signaling.Mode)
	}
	if !strings.Contains(out.String(), "Invalid config") {
		t.Fatalf("output = %q", out.String())
	}
}
