package statcache

import (
	"errors"
	"fmt"

	platformerrors "github.com/jmgilman/go/errors"
)

var (
	// ErrNotFound indicates no usable data exists for a key.
	ErrNotFound = errors.New("entry not found")
	// ErrFetchTimeout indicates a transient acquisition failure worth retrying.
	ErrFetchTimeout = errors.New("fetch timed out")
	// ErrFetchFatal indicates an acquisition failure that will not succeed on retry.
	ErrFetchFatal = errors.New("fetch failed permanently")
	// ErrStorageCorruption indicates the persisted document could not be decoded.
	ErrStorageCorruption = errors.New("cache document corrupt")
	// ErrRemoteUnavailable indicates the remote snapshot could not be retrieved.
	ErrRemoteUnavailable = errors.New("remote snapshot unavailable")
)

// RetryableFailure classifies cause as a transient fetch failure.
func RetryableFailure(cause error, message string) FetchResult {
	return Failure(platformerrors.Wrap(chain(ErrFetchTimeout, cause), platformerrors.CodeTimeout, message), true)
}

// FatalFailure classifies cause as a permanent fetch failure.
func FatalFailure(cause error, message string) FetchResult {
	return Failure(platformerrors.Wrap(chain(ErrFetchFatal, cause), platformerrors.CodeInvalidInput, message), false)
}

// NotFoundError wraps cause so errors.Is(err, ErrNotFound) holds.
func NotFoundError(key string, cause error) error {
	err := platformerrors.Wrapf(chain(ErrNotFound, cause), platformerrors.CodeNotFound, "no data for %s", key)
	return platformerrors.WithContext(err, "key", key)
}

// RemoteError wraps cause as a remote snapshot failure.
func RemoteError(cause error, message string) error {
	return platformerrors.Wrap(chain(ErrRemoteUnavailable, cause), platformerrors.CodeUnavailable, message)
}

// CorruptionError wraps cause as a storage corruption failure.
func CorruptionError(cause error, path string) error {
	return platformerrors.Wrapf(chain(ErrStorageCorruption, cause), platformerrors.CodeInternal, "decode %s", path)
}

// Code returns the platform error code carried by err.
func Code(err error) platformerrors.ErrorCode {
	return platformerrors.GetCode(err)
}

// IsRetryable reports whether err was classified as transient.
func IsRetryable(err error) bool {
	return platformerrors.IsRetryable(err)
}

func chain(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}
