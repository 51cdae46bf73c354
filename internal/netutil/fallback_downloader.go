package netutil

import (
	"context"
	"errors"
)

// FallbackDownloader decorates a Downloader with a one-shot fallback URL.
// The primary URL is attempted first; on a network error or a non-2xx
// status the backup URL is attempted exactly once. Request-construction
// failures and caller cancellation are returned as-is: a second URL cannot
// fix either.
type FallbackDownloader struct {
	Inner Downloader
}

// Download fetches primary, falling back to backup once. When backup is
// empty only the primary attempt is made. On a failed fallback the primary
// error is returned, so callers see the authoritative upstream's diagnosis.
func (f *FallbackDownloader) Download(ctx context.Context, primary, backup string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := f.Inner.Download(ctx, primary)
	if err == nil {
		return body, nil
	}

	if backup == "" || !shouldFallback(ctx, err) {
		return nil, err
	}

	body, backupErr := f.Inner.Download(ctx, backup)
	if backupErr == nil {
		return body, nil
	}
	return nil, err
}

// shouldFallback permits the backup attempt for transient failures: network
// errors, per-attempt timeouts, and non-2xx statuses. The caller's own
// context ending rules it out regardless of the error.
func shouldFallback(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	var nonRetryable *NonRetryableError
	return !errors.As(err, &nonRetryable)
}
