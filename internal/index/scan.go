package index

import (
	"context"
	"time"
)

// pageFetcher returns up to limit physical keys positioned after cursor and
// the cursor of the following page. An empty cursor starts the scan.
type pageFetcher func(ctx context.Context, cursor string, limit int) (keys []string, next string, err error)

// scanPages drives fetch until a short page is returned. Each page runs under
// its own timeout; a timed out or transient page is retried up to
// opts.PageRetries times and then surfaced as a *TransientError.
func scanPages(ctx context.Context, opts Options, op string, fetch pageFetcher, fn func(string) error) error {
	cursor := ""
	for {
		keys, next, err := fetchPage(ctx, opts, op, fetch, cursor)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		if len(keys) < opts.PageSize || next == "" {
			return nil
		}
		cursor = next
	}
}

func fetchPage(ctx context.Context, opts Options, op string, fetch pageFetcher, cursor string) ([]string, string, error) {
	var lastErr error
	for attempt := 0; attempt <= opts.PageRetries; attempt++ {
		if attempt > 0 {
			opts.Logger.Warn("retrying index page", "op", op, "attempt", attempt, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(opts.RetryDelay * time.Duration(attempt)):
			}
		}

		pageCtx, cancel := context.WithTimeout(ctx, opts.PageTimeout)
		keys, next, err := fetch(pageCtx, cursor, opts.PageSize)
		timedOut := pageCtx.Err() != nil && ctx.Err() == nil
		cancel()
		if err == nil {
			return keys, next, nil
		}
		if timedOut && !IsTransient(err) {
			err = &TransientError{Op: op, Err: err}
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return nil, "", err
		}
		lastErr = err
	}
	return nil, "", lastErr
}
