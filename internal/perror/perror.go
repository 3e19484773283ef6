// Package perror defines the error taxonomy of spec.md §7: Transport,
// FormatMismatch, Device, Protocol, Resource and Logic. Components wrap a
// sentinel with fmt.Errorf("...: %w", err) the same way the teacher repo
// wraps os/sql errors, so callers can classify failures with errors.Is
// without string matching.
package perror

import "errors"

var (
	// Transport covers connection failures, DNS errors, non-2xx responses,
	// and broken pipes between Feeder and Decoder.
	Transport = errors.New("transport error")

	// FormatMismatch covers a codec rejecting a declared format, or a sink
	// refusing every format a codec offered.
	FormatMismatch = errors.New("format mismatch")

	// Device covers a sink failing to open, or underrun recovery failing
	// repeatedly.
	Device = errors.New("device error")

	// Protocol covers a malformed remote-control command; the Controller
	// must not mutate state when returning this.
	Protocol = errors.New("protocol error")

	// Resource covers allocation failure; the offending pipeline is torn
	// down but the Controller stays usable.
	Resource = errors.New("resource exhausted")

	// Logic covers invariant violations such as unlock_after_read beyond
	// the contiguous readable region. Always a defect, never a transient
	// condition.
	Logic = errors.New("logic error")
)

// Is reports whether err is classified as kind (one of the sentinels above)
// anywhere in its wrap chain.
func Is(err error, kind error) bool {
	return errors.Is(err, kind)
}
