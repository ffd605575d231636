// Package probe periodically checks connectivity to configured tool servers.
// A failed probe records a classified error and takes the tool offline; only
// a subsequent successful probe puts it back in rotation, so a lapsed
// offline deadline alone never restores availability.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/errclass"
	"github.com/haasonsaas/dispatch/internal/health"
	"github.com/haasonsaas/dispatch/internal/observability"
)

// Prober sweeps the configured tool servers on a fixed cadence.
type Prober struct {
	cfg        config.ProbeConfig
	servers    []config.ToolServerConfig
	ledger     *health.Ledger
	classifier *errclass.Classifier
	log        *observability.Logger
	metrics    *observability.Metrics

	client *http.Client
}

// NewProber builds a prober over the configured tool servers.
func NewProber(cfg config.ProbeConfig, servers []config.ToolServerConfig, ledger *health.Ledger, classifier *errclass.Classifier, log *observability.Logger, metrics *observability.Metrics) *Prober {
	return &Prober{
		cfg:        cfg,
		servers:    servers,
		ledger:     ledger,
		classifier: classifier,
		log:        log.Component("probe"),
		metrics:    metrics,
		client: &http.Client{
			Timeout: cfg.DialTimeout,
		},
	}
}

// Run sweeps immediately, then on every tick until the context ends.
func (p *Prober) Run(ctx context.Context) {
	p.Check(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check probes every configured server once and reconciles ledger state.
func (p *Prober) Check(ctx context.Context) {
	for _, srv := range p.servers {
		err := p.probeOne(ctx, srv)
		online := p.ledger.Health(srv.ID).Online

		switch {
		case err != nil && online:
			ev := p.classifier.Classify(fmt.Errorf("health probe failed: %w", err), "probe", nil)
			ev.Context.ToolID = srv.ID
			p.ledger.RecordFailure(ev)
			p.ledger.MarkOffline(srv.ID, 0)
			p.log.Warn(ctx, "tool server unreachable",
				"tool_id", srv.ID, "url", srv.URL, "error", err)
		case err != nil:
			p.log.Debug(ctx, "tool server still unreachable", "tool_id", srv.ID)
		case err == nil && !online:
			p.ledger.ClearOffline(srv.ID)
			p.log.Info(ctx, "tool server recovered", "tool_id", srv.ID)
		}
	}

	if p.metrics != nil {
		offline := 0
		for _, h := range p.ledger.Snapshot() {
			if !h.Online {
				offline++
			}
		}
		p.metrics.ToolsOffline.Set(float64(offline))
	}
}

// probeOne dials the server's TCP endpoint, then fetches the health path
// when one is configured.
func (p *Prober) probeOne(ctx context.Context, srv config.ToolServerConfig) error {
	addr, err := hostPort(srv.URL)
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	conn.Close()

	if srv.HealthPath == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+srv.HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func hostPort(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https", "wss":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	return host, nil
}
