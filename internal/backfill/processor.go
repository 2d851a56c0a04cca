package backfill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eiannone/keyboard"
	"github.com/goccy/go-json"

	"github.com/chmdznr/instrument-index/internal/ingest"
	"github.com/chmdznr/instrument-index/pkg/models"
)

// ingestor is the part of ingest.Orchestrator the local processor needs.
type ingestor interface {
	Process(ctx context.Context, notifications []models.Notification) ingest.Result
}

// LocalProcessor ingests in-process.
type LocalProcessor struct {
	Ingest ingestor
}

func (p LocalProcessor) Process(ctx context.Context, n models.Notification) error {
	return resultError(p.Ingest.Process(ctx, []models.Notification{n}))
}

// HTTPProcessor posts a synthetic Records event per key to a running
// `instidx serve` endpoint.
type HTTPProcessor struct {
	URL    string
	Client *http.Client
}

// NewHTTPProcessor returns a processor posting to url.
func NewHTTPProcessor(url string) *HTTPProcessor {
	return &HTTPProcessor{URL: url, Client: &http.Client{Timeout: 60 * time.Second}}
}

func (p *HTTPProcessor) Process(ctx context.Context, n models.Notification) error {
	body, err := ingest.RecordsEvent(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("endpoint returned %s: %s", resp.Status, bytes.TrimSpace(payload))
	}
	var result ingest.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return resultError(result)
}

func resultError(r ingest.Result) error {
	switch {
	case r.Failed > 0:
		return errors.New("ingestion failed, see server logs")
	case r.Skipped > 0:
		return errors.New("key does not match the expected layout")
	case r.Ignored > 0:
		return errors.New("key is not a manifest")
	}
	return nil
}

// Confirm prints prompt and waits for a single y/n key press.
func Confirm(w io.Writer, prompt string) (bool, error) {
	fmt.Fprintf(w, "%s (y/n): ", prompt)
	ch, _, err := keyboard.GetSingleKey()
	if err != nil {
		return false, fmt.Errorf("read key: %w", err)
	}
	fmt.Fprintf(w, "%c\n", ch)
	return ch == 'y' || ch == 'Y', nil
}
