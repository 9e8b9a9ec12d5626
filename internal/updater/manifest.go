package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"
)

const maxManifestBytes = 1 << 20

// ManifestChecker fetches the version manifest over HTTP and reports the
// latest release of Channel for the running platform.
type ManifestChecker struct {
	URL      string
	Channel  string
	Platform string // defaults to Platform()
	Client   *http.Client
}

func NewManifestChecker(url, channel string, timeout time.Duration) *ManifestChecker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ManifestChecker{
		URL:     url,
		Channel: channel,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (c *ManifestChecker) Check(ctx context.Context) (Release, error) {
	m, err := c.fetch(ctx)
	if err != nil {
		return Release{}, err
	}
	return resolve(m, c.Channel, c.platform())
}

func (c *ManifestChecker) platform() string {
	if c.Platform != "" {
		return c.Platform
	}
	p, _ := Platform(runtime.GOOS, runtime.GOARCH)
	return p
}

func (c *ManifestChecker) fetch(ctx context.Context) (Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return Manifest{}, err
	}
	req.Header.Set("Accept", "application/json")
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Manifest{}, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Manifest{}, fmt.Errorf("fetch manifest: unexpected status %s", resp.Status)
	}
	var m Manifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxManifestBytes)).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

func resolve(m Manifest, channel, platform string) (Release, error) {
	v := strings.TrimSpace(m.Latest[channel])
	if v == "" {
		return Release{}, fmt.Errorf("%w: %q", ErrNoRelease, channel)
	}
	r := Release{Channel: channel, Version: v, UpdatedAt: m.UpdatedAt}
	if tmpl := m.ArchTemplate[channel][platform]; tmpl != "" {
		r.Artifact = strings.ReplaceAll(tmpl, "{}", v)
	}
	return r, nil
}

// Platform maps GOOS/GOARCH to the manifest's platform keys.
func Platform(goos, goarch string) (string, error) {
	switch goos + "/" + goarch {
	case "darwin/amd64":
		return "darwin-x64", nil
	case "darwin/arm64":
		return "darwin-arm64", nil
	case "linux/amd64":
		return "linux-amd64", nil
	case "linux/arm64":
		return "linux-aarch64", nil
	case "windows/amd64":
		return "windows-x86_64", nil
	default:
		return "", fmt.Errorf("unsupported platform %s/%s", goos, goarch)
	}
}
