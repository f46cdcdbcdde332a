// Package cdn evicts published URLs from the edge cache after a photo
// is deleted. The API dialect is Cloudflare's purge_cache endpoint,
// which several self-hosted CDN fronts also speak. Purging is strictly
// best-effort: a failed purge only extends how long the edge serves a
// dead derivative, so nothing here ever fails the calling job.
package cdn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/JunyuZhan/pis-worker/internal/logger"
	"github.com/JunyuZhan/pis-worker/internal/metrics"
)

const (
	// maxURLsPerRequest is the Cloudflare per-call file limit.
	maxURLsPerRequest = 30

	// batchPause spaces consecutive purge calls to stay under the API
	// rate limit during bulk deletes.
	batchPause = 100 * time.Millisecond

	requestTimeout = 10 * time.Second
)

// Config locates the purge endpoint. All three fields must be set for
// purging to be enabled.
type Config struct {
	BaseURL  string
	ZoneID   string
	APIToken string
}

// Purger sends purge requests to the CDN API.
type Purger struct {
	httpClient *http.Client
	cfg        Config
	log        *logger.Logger
	met        *metrics.Metrics
}

// New creates a Purger. With incomplete config the purger stays
// disabled and reports every URL as failed.
func New(cfg Config, log *logger.Logger, met *metrics.Metrics) *Purger {
	return &Purger{
		httpClient: &http.Client{Timeout: requestTimeout},
		cfg:        cfg,
		log:        log.WithComponent("cdn"),
		met:        met,
	}
}

// Enabled reports whether purge requests can be sent at all.
func (p *Purger) Enabled() bool {
	return p.cfg.BaseURL != "" && p.cfg.ZoneID != "" && p.cfg.APIToken != ""
}

// Result reports the per-URL outcome of one Purge call.
type Result struct {
	Purged []string
	Failed []string
}

// AllPurged reports whether every URL was evicted.
func (r Result) AllPurged() bool {
	return len(r.Failed) == 0
}

// Purge evicts the given URLs in batches. It never returns an error;
// URLs from failed batches are reported in Result.Failed so the caller
// can decide whether to retry the job.
func (p *Purger) Purge(ctx context.Context, urls []string) Result {
	var result Result
	urls = dedupe(urls)
	if len(urls) == 0 {
		return result
	}
	if !p.Enabled() {
		p.log.WithField("urls", len(urls)).Warn("cdn purge skipped: purger not configured")
		result.Failed = urls
		p.met.AddCDNPurged("failed", len(urls))
		return result
	}

	for start := 0; start < len(urls); start += maxURLsPerRequest {
		if start > 0 {
			select {
			case <-time.After(batchPause):
			case <-ctx.Done():
				result.Failed = append(result.Failed, urls[start:]...)
				p.met.AddCDNPurged("failed", len(urls)-start)
				return result
			}
		}
		end := start + maxURLsPerRequest
		if end > len(urls) {
			end = len(urls)
		}
		batch := urls[start:end]
		if err := p.purgeBatch(ctx, batch); err != nil {
			p.log.WithError(err).WithField("urls", len(batch)).Warn("cdn purge batch failed")
			result.Failed = append(result.Failed, batch...)
			p.met.AddCDNPurged("failed", len(batch))
			continue
		}
		result.Purged = append(result.Purged, batch...)
		p.met.AddCDNPurged("purged", len(batch))
	}

	p.log.WithFields(map[string]interface{}{
		"purged": len(result.Purged),
		"failed": len(result.Failed),
	}).Debug("cdn purge finished")
	return result
}

func (p *Purger) purgeBatch(ctx context.Context, urls []string) error {
	body, err := json.Marshal(map[string]any{"files": urls})
	if err != nil {
		return fmt.Errorf("encode purge body: %w", err)
	}

	endpoint := fmt.Sprintf("%s/zones/%s/purge_cache", p.cfg.BaseURL, p.cfg.ZoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var parsed struct {
		Success bool `json:"success"`
		Errors  []struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !parsed.Success {
		if len(parsed.Errors) > 0 {
			return fmt.Errorf("purge rejected: %d %s", parsed.Errors[0].Code, parsed.Errors[0].Message)
		}
		return fmt.Errorf("purge rejected")
	}
	return nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := urls[:0:0]
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
