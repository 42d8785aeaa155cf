package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/peermentor/internal/config"
)

// PromptInteractive walks through the settings a new node usually needs.
// Enter keeps the shown default. An invalid result falls back to defaults.
func PromptInteractive(r io.Reader, w io.Writer, dir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "peermentor interactive setup")
	fmt.Fprintf(w, " Node folder : %s\n", dir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Identity.Label = askString(in, w, "Display name", cfg.Identity.Label)
	if askBool(in, w, "Is this a mentor node", cfg.Identity.MentorID != "") {
		cfg.Identity.MentorID = askString(in, w, "Mentor id", cfg.Identity.MentorID)
		cfg.Identity.Badge = askString(in, w, "Badge", cfg.Identity.Badge)
		cfg.Call.AutoAnswer = askBool(in, w, "Answer calls automatically", true)
	} else {
		cfg.Identity.MentorID = ""
		cfg.Identity.Badge = ""
	}

	cfg.Signaling.Mode = askString(in, w, "Signaling mode (ws/p2p)", cfg.Signaling.Mode)
	if cfg.Signaling.Mode == config.SignalingWS {
		cfg.Signaling.HubURL = askString(in, w, "Signaling hub URL", cfg.Signaling.HubURL)
		cfg.Signaling.EndpointID = askString(in, w, "Endpoint id (empty=assigned)", cfg.Signaling.EndpointID)
	} else {
		cfg.P2P.ListenPort = askInt(in, w, "Listen port (0=random)", cfg.P2P.ListenPort)
	}

	cfg.Ledger.Policy = askString(in, w, "Approval policy (delay/manual/lua)", cfg.Ledger.Policy)
	cfg.Viewer.HTTPAddr = askString(in, w, "HTTP API addr", cfg.Viewer.HTTPAddr)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
