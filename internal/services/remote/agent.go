package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/services/process"
)

// AgentBinary is the mesh agent's executable name on PATH.
const AgentBinary = "tailscale"

// DefaultAgentTimeout bounds every agent query.
const DefaultAgentTimeout = 15 * time.Second

const downloadURL = "https://tailscale.com/download"

// statusJSON is the subset of `tailscale status --json` we read.
type statusJSON struct {
	BackendState string `json:"BackendState"`
	Self         struct {
		DNSName      string   `json:"DNSName"`
		HostName     string   `json:"HostName"`
		TailscaleIPs []string `json:"TailscaleIPs"`
	} `json:"Self"`
}

// KnownLocations returns the per-platform install paths checked after PATH.
func KnownLocations(goos string) []string {
	switch goos {
	case "windows":
		var out []string
		for _, env := range []string{"ProgramFiles", "ProgramFiles(x86)"} {
			if dir := os.Getenv(env); dir != "" {
				out = append(out, filepath.Join(dir, "Tailscale", "tailscale.exe"))
			}
		}
		return append(out, `C:\Program Files\Tailscale\tailscale.exe`)
	case "darwin":
		return []string{
			"/Applications/Tailscale.app/Contents/MacOS/Tailscale",
			"/usr/local/bin/tailscale",
			"/opt/homebrew/bin/tailscale",
		}
	default:
		return []string{
			"/usr/bin/tailscale",
			"/usr/local/bin/tailscale",
			"/usr/sbin/tailscale",
			"/snap/bin/tailscale",
		}
	}
}

// locate finds the agent binary. The first hit is cached.
func (s *Impl) locate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binary != "" {
		return s.binary, nil
	}

	if p, err := s.runner.LookPath(AgentBinary); err == nil {
		s.binary = p
		return p, nil
	}
	for _, p := range KnownLocations(s.goos) {
		if s.fileExists(p) {
			s.binary = p
			return p, nil
		}
	}
	if s.goos == "windows" {
		if dir := s.registryDir(); dir != "" {
			p := filepath.Join(dir, "tailscale.exe")
			if s.fileExists(p) {
				s.binary = p
				return p, nil
			}
		}
	}
	return "", apperr.ToolMissing(AgentBinary, "Install Tailscale and sign in on this machine", downloadURL)
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func (s *Impl) agent(ctx context.Context, args ...string) (*process.Result, error) {
	bin, err := s.locate()
	if err != nil {
		return nil, err
	}
	res, err := s.runner.Run(ctx, process.Command{Name: bin, Args: args, Timeout: s.timeout})
	if err != nil {
		return nil, fmt.Errorf("running %s %s: %w", AgentBinary, strings.Join(args, " "), err)
	}
	return res, nil
}

// Agent queries the mesh agent for its state, address and name.
func (s *Impl) Agent(ctx context.Context) (*models.AgentInfo, error) {
	res, err := s.agent(ctx, "status", "--json")
	if err != nil {
		return nil, err
	}
	bin, _ := s.locate()
	info := &models.AgentInfo{BinaryPath: bin}
	if len(res.Stdout) == 0 {
		// a stopped agent exits non-zero with no JSON
		info.BackendState = "Stopped"
		return info, nil
	}
	if err := ParseStatus(res.Stdout, info); err != nil {
		return nil, err
	}
	return info, nil
}

// ParseStatus fills info from `tailscale status --json` output.
func ParseStatus(data []byte, info *models.AgentInfo) error {
	var st statusJSON
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parsing %s status: %w", AgentBinary, err)
	}
	info.BackendState = st.BackendState
	info.IP = pickIP(st.Self.TailscaleIPs)
	info.Hostname = strings.TrimSuffix(st.Self.DNSName, ".")
	return nil
}

// pickIP prefers the IPv4 address, which renders as a plain URL host.
func pickIP(ips []string) string {
	for _, ip := range ips {
		if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
			return ip
		}
	}
	if len(ips) > 0 {
		return ips[0]
	}
	return ""
}

// URLs returns the endpoint URLs for info.
func URLs(info *models.AgentInfo) []string {
	if info == nil {
		return nil
	}
	var urls []string
	if info.IP != "" {
		urls = append(urls, "https://"+info.IP)
	}
	if info.Hostname != "" {
		urls = append(urls, "https://"+info.Hostname)
	}
	return urls
}
