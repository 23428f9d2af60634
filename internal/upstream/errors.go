package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
)

// Failure shapes surfaced by the completion client. Callers branch on these
// with errors.Is; everything else from the SDK is wrapped as ErrUpstream.
var (
	// ErrRateLimited marks an upstream 429. Retried internally up to the
	// configured bound; only surfaced once retries are exhausted.
	ErrRateLimited = errors.New("upstream rate limited")

	// ErrAborted marks a cooperative cancellation (client disconnect or an
	// application-level abort). Terminal but benign: logged as a soft finish,
	// never reported to the user as a failure.
	ErrAborted = errors.New("request aborted")

	// ErrRegionRestricted marks the upstream rejecting the deployment region.
	// Surfaced with a distinct, actionable message.
	ErrRegionRestricted = errors.New("upstream region restricted")

	// ErrUpstream is the generic wrapper for all other upstream failures.
	ErrUpstream = errors.New("upstream failure")
)

const regionRestrictedCode = "unsupported_country_region_territory"

var errEmptyResponse = errors.New("empty response from completion service")

// Classify maps an SDK or transport error onto the failure taxonomy. The ctx
// is consulted first: once the caller has cancelled, whatever the transport
// reported is just collateral of the teardown.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrAborted
	}

	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return ErrRateLimited
		case apierr.Code == regionRestrictedCode,
			strings.Contains(apierr.Message, "unsupported_country"):
			return ErrRegionRestricted
		}
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}
