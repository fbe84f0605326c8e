package turn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/voxatc/voxatc/pkg/audio/capture"
)

// Kind buckets a turn failure by what the user can do about it.
type Kind int

const (
	// KindUnknown is a failure that fits no other bucket.
	KindUnknown Kind = iota

	// KindAuth means a provider rejected our credentials. Readiness is
	// cleared until a later call succeeds.
	KindAuth

	// KindPermission means the client refused microphone access.
	KindPermission

	// KindDevice means the capture device is missing, busy, or cannot
	// deliver a usable format.
	KindDevice

	// KindRateLimit means a provider throttled us.
	KindRateLimit

	// KindService means a provider returned a server-side failure.
	KindService

	// KindNetwork means the provider could not be reached.
	KindNetwork
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindPermission:
		return "permission"
	case KindDevice:
		return "device"
	case KindRateLimit:
		return "rate_limit"
	case KindService:
		return "service"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// UserMessage returns the message shown to the user for this failure bucket.
func (k Kind) UserMessage() string {
	switch k {
	case KindAuth:
		return "The AI provider rejected the configured credentials. Check your API key."
	case KindPermission:
		return "Microphone access was denied. Allow microphone use and try again."
	case KindDevice:
		return "The microphone is unavailable. Check that a working input device is connected and not in use."
	case KindRateLimit:
		return "The AI provider is throttling requests. Wait a moment and try again."
	case KindService:
		return "The AI provider reported a temporary problem. Try again shortly."
	case KindNetwork:
		return "Could not reach the AI provider. Check your network connection."
	default:
		return "Something went wrong during the turn. Try again."
	}
}

// Classified wraps a turn failure with its [Kind].
type Classified struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *Classified) Error() string {
	return fmt.Sprintf("turn: %s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *Classified) Unwrap() error { return e.Err }

// Classify buckets err into a [Classified]. Already-classified errors pass
// through unchanged. Classification is heuristic for provider errors, which
// arrive as wrapped HTTP failures with no shared type across SDKs.
func Classify(err error) *Classified {
	if err == nil {
		return nil
	}

	var classified *Classified
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return &Classified{Kind: KindPermission, Err: err}
	case errors.Is(err, capture.ErrNoDevice),
		errors.Is(err, capture.ErrDeviceBusy),
		errors.Is(err, capture.ErrUnsupportedFormat):
		return &Classified{Kind: KindDevice, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &Classified{Kind: KindNetwork, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "403", "unauthorized", "invalid api key", "api key", "authentication"):
		return &Classified{Kind: KindAuth, Err: err}
	case containsAny(msg, "429", "rate limit", "quota", "too many requests"):
		return &Classified{Kind: KindRateLimit, Err: err}
	case containsAny(msg, "500", "502", "503", "internal server", "unavailable", "overloaded", "bad gateway"):
		return &Classified{Kind: KindService, Err: err}
	case containsAny(msg, "connection refused", "no such host", "connection reset", "broken pipe", "timeout"):
		return &Classified{Kind: KindNetwork, Err: err}
	}
	return &Classified{Kind: KindUnknown, Err: err}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
