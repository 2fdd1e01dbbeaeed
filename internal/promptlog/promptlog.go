package promptlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/kvstore"
)

const (
	KeyPromptCount = "prompt_count"
	KeyRunTime     = "run_time"

	// Entries shown by Report
	reportHistory = 10
)

// Prompt counter and run-time history, persisted in a kvstore.Store.
// Every Record press is one prompt.
type PromptLog struct {
	logger *slog.Logger
	store  kvstore.Store
	now    func() time.Time
}

func New(store kvstore.Store, logger *slog.Logger) *PromptLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptLog{
		logger: logger,
		store:  store,
		now:    time.Now,
	}
}

func (p *PromptLog) PromptCount() int32 {
	return p.store.GetI32(KeyPromptCount, 0)
}

// Run times, oldest first. Entries that do not parse are skipped.
func (p *PromptLog) History() []time.Time {
	var history []time.Time
	for _, blob := range p.store.Blobs(KeyRunTime) {
		t, err := time.Parse(time.RFC3339, string(blob))
		if err != nil {
			p.logger.Warn("skipping unreadable run time", "entry", string(blob), "err", err)
			continue
		}
		history = append(history, t)
	}
	return history
}

// Save the current time and increment the prompt counter. Returns the new
// count.
func (p *PromptLog) RecordSession() (int32, error) {
	now := p.now().UTC()
	count := p.PromptCount() + 1
	if err := p.store.AppendBlob(KeyRunTime, []byte(now.Format(time.RFC3339))); err != nil {
		return 0, fmt.Errorf("save run time: %w", err)
	}
	if err := p.store.SetI32(KeyPromptCount, count); err != nil {
		return 0, fmt.Errorf("save prompt count: %w", err)
	}
	if err := p.store.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// Log the prompt counter and the most recent run times.
func (p *PromptLog) Report() {
	history := p.History()
	recent := history[max(0, len(history)-reportHistory):]
	recentStrings := make([]string, len(recent))
	for i, t := range recent {
		recentStrings[i] = t.Format(time.RFC3339)
	}
	p.logger.Info(
		"saved prompt history",
		"promptCount", p.PromptCount(),
		"runs", len(history),
		"recent", recentStrings,
	)
}

// --------------------------------------------------------------------------------

// Sends the prompt counter to the server's log endpoint, which answers by
// preparing a spoken report for the next playback.
type Reporter struct {
	logger *slog.Logger
	client *http.Client
	uri    string
}

func NewReporter(uri string, timeout time.Duration, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		logger: logger,
		client: &http.Client{Timeout: timeout},
		uri:    uri,
	}
}

type counterReport struct {
	Counter int32 `json:"counter"`
}

func (r *Reporter) SendCounter(ctx context.Context, counter int32) error {
	body, err := json.Marshal(counterReport{Counter: counter})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.uri, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build log request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send log request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("log request rejected: %s", resp.Status)
	}
	r.logger.Debug(
		"sent prompt counter",
		"uri", r.uri,
		"counter", counter,
	)
	return nil
}
