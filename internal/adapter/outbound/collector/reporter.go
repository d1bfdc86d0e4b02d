// Package collector posts error log batches to a remote collector endpoint.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Sentinel-Gate/portalguard/internal/domain/errlog"
	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
)

// batch is the wire body sent to the collector.
type batch struct {
	Entries []errlog.Entry `json:"logs"`
}

// Reporter implements outbound.LogReporter.
type Reporter struct {
	url  string
	doer outbound.HTTPDoer
}

// NewReporter creates a reporter posting to url.
func NewReporter(url string, doer outbound.HTTPDoer) *Reporter {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Reporter{url: url, doer: doer}
}

// Report implements outbound.LogReporter. Any non-2xx answer fails the batch.
func (r *Reporter) Report(ctx context.Context, entries []errlog.Entry) error {
	data, err := json.Marshal(batch{Entries: entries})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.doer.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collector answered %s", resp.Status)
	}
	return nil
}

// Compile-time interface verification.
var _ outbound.LogReporter = (*Reporter)(nil)
