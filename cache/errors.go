package cache

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"
)

// Text codes attached to categorized errors so callers can tell the
// degraded-storage path from an upstream failure without string matching.
const (
	TextCodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	TextCodeUpstreamFetch      = "UPSTREAM_FETCH_FAILED"
)

// StorageUnavailable wraps a durable store failure. Callers log it and continue
// without persistence.
func StorageUnavailable(err error, message string) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, message).
		WithTextCode(TextCodeStorageUnavailable)
}

// UpstreamFetchFailed wraps a provider failure. It is never cached.
func UpstreamFetchFailed(err error, message string) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, goerrors.CategoryExternal, message).
		WithTextCode(TextCodeUpstreamFetch)
}

// IsStorageUnavailable reports whether err was produced by StorageUnavailable.
func IsStorageUnavailable(err error) bool {
	return hasTextCode(err, TextCodeStorageUnavailable)
}

// IsUpstreamFetchFailed reports whether err was produced by UpstreamFetchFailed.
func IsUpstreamFetchFailed(err error) bool {
	return hasTextCode(err, TextCodeUpstreamFetch)
}

func hasTextCode(err error, code string) bool {
	var gerr *goerrors.Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.TextCode == code
}
