package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Verifier performs a preflight dial against the relay's management
// health endpoint through the same dialer the control channel will use,
// so a misconfigured egress proxy fails fast with a clear error instead
// of surfacing as an opaque control-channel dial failure.
type Verifier struct {
	dialer    *ProxyDialer
	healthURL string
	timeout   time.Duration
}

// NewVerifier creates a preflight/health verifier for the relay reachable
// at healthURL, dialed through dialer.
func NewVerifier(dialer *ProxyDialer, healthURL string, timeout time.Duration) *Verifier {
	return &Verifier{dialer: dialer, healthURL: healthURL, timeout: timeout}
}

// CheckHealth dials the relay's GET /health endpoint through the proxy
// and confirms it answers with 200 OK.
func (v *Verifier) CheckHealth(ctx context.Context) error {
	transport := &http.Transport{DialContext: v.dialer.DialContext}
	client := &http.Client{Transport: transport, Timeout: v.timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.healthURL, nil)
	if err != nil {
		return fmt.Errorf("creating health check request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("reaching relay through proxy: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay health check returned status %d", resp.StatusCode)
	}
	return nil
}

// StartPeriodicCheck runs proxy health checks at the given interval.
// Returns a stop function and an error channel that signals when
// verification fails.
func StartPeriodicCheck(v *Verifier, interval time.Duration) (stop func(), failed <-chan error) {
	done := make(chan struct{})
	errCh := make(chan error, 1)
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
				if err := v.CheckHealth(ctx); err != nil {
					cancel()
					slog.Error("periodic proxy check failed", "err", err)
					select {
					case errCh <- err:
					default:
					}
					return
				}
				cancel()
				slog.Debug("periodic proxy check passed")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
	}, errCh
}
