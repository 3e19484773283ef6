// Package format defines AudioFormat (spec.md §3) — a PCM format descriptor
// any field of which may be unknown during negotiation — plus the literal
// syntaxes from spec.md §6: "S16_LE@44100/2" and the "backend:device" sink
// address.
package format

import (
	"fmt"
	"strconv"
	"strings"
)

// AudioFormat mirrors spec.md §3's AudioFormat: any field may be nil
// ("unknown") during negotiation.
type AudioFormat struct {
	SampleRate *int
	Channels   *int
	Bits       *int
	Signed     *bool
	Float      *bool
}

func ptr[T any](v T) *T { return &v }

// New builds a fully-specified AudioFormat.
func New(sampleRate, channels, bits int, signed, float bool) AudioFormat {
	return AudioFormat{
		SampleRate: ptr(sampleRate),
		Channels:   ptr(channels),
		Bits:       ptr(bits),
		Signed:     ptr(signed),
		Float:      ptr(float),
	}
}

// IsComplete reports whether every field is set.
func (f AudioFormat) IsComplete() bool {
	return f.SampleRate != nil && f.Channels != nil && f.Bits != nil && f.Signed != nil && f.Float != nil
}

// Complete fills unknown fields of f from ref, returning the result. f is
// not mutated.
func (f AudioFormat) Complete(ref AudioFormat) AudioFormat {
	out := f
	if out.SampleRate == nil {
		out.SampleRate = ref.SampleRate
	}
	if out.Channels == nil {
		out.Channels = ref.Channels
	}
	if out.Bits == nil {
		out.Bits = ref.Bits
	}
	if out.Signed == nil {
		out.Signed = ref.Signed
	}
	if out.Float == nil {
		out.Float = ref.Float
	}
	return out
}

func intEq(a, b *int) bool {
	if a == nil || b == nil {
		return true
	}
	return *a == *b
}

func boolEq(a, b *bool) bool {
	if a == nil || b == nil {
		return true
	}
	return *a == *b
}

// Equal implements spec.md §3's field-wise equality where an undefined
// field matches anything.
func (f AudioFormat) Equal(other AudioFormat) bool {
	return intEq(f.SampleRate, other.SampleRate) &&
		intEq(f.Channels, other.Channels) &&
		intEq(f.Bits, other.Bits) &&
		boolEq(f.Signed, other.Signed) &&
		boolEq(f.Float, other.Float)
}

// BytesPerFrame returns the byte size of one PCM frame (all channels),
// valid only when the format is complete.
func (f AudioFormat) BytesPerFrame() int {
	if !f.IsComplete() {
		return 0
	}
	return (*f.Bits / 8) * *f.Channels
}

// String renders the spec.md §6 literal syntax: "S16_LE@44100/2". Unknown
// fields render as "?".
func (f AudioFormat) String() string {
	var sign string
	switch {
	case f.Float != nil && *f.Float:
		sign = "F"
	case f.Signed == nil:
		sign = "?"
	case *f.Signed:
		sign = "S"
	default:
		sign = "U"
	}
	bits := "?"
	if f.Bits != nil {
		bits = strconv.Itoa(*f.Bits)
	}
	rate := "?"
	if f.SampleRate != nil {
		rate = strconv.Itoa(*f.SampleRate)
	}
	ch := "?"
	if f.Channels != nil {
		ch = strconv.Itoa(*f.Channels)
	}
	return fmt.Sprintf("%s%s_LE@%s/%s", sign, bits, rate, ch)
}

// Parse parses the spec.md §6 literal "S16_LE@44100/2" into an AudioFormat.
// Used for the set_default_audio_format configuration option and in tests.
func Parse(literal string) (AudioFormat, error) {
	at := strings.IndexByte(literal, '@')
	slash := strings.LastIndexByte(literal, '/')
	if at < 0 || slash < 0 || slash < at {
		return AudioFormat{}, fmt.Errorf("format: malformed literal %q", literal)
	}
	head := literal[:at]   // e.g. "S16_LE"
	rateStr := literal[at+1 : slash]
	chStr := literal[slash+1:]

	if !strings.HasSuffix(head, "_LE") {
		return AudioFormat{}, fmt.Errorf("format: only little-endian literals are supported, got %q", literal)
	}
	head = strings.TrimSuffix(head, "_LE")
	if len(head) < 2 {
		return AudioFormat{}, fmt.Errorf("format: malformed literal %q", literal)
	}

	var signed, float bool
	switch head[0] {
	case 'S':
		signed = true
	case 'U':
		signed = false
	case 'F':
		float = true
		signed = true
	default:
		return AudioFormat{}, fmt.Errorf("format: unknown sign code %q in %q", head[0], literal)
	}

	bits, err := strconv.Atoi(head[1:])
	if err != nil {
		return AudioFormat{}, fmt.Errorf("format: bad bit depth in %q: %w", literal, err)
	}
	rate, err := strconv.Atoi(rateStr)
	if err != nil {
		return AudioFormat{}, fmt.Errorf("format: bad sample rate in %q: %w", literal, err)
	}
	channels, err := strconv.Atoi(chStr)
	if err != nil {
		return AudioFormat{}, fmt.Errorf("format: bad channel count in %q: %w", literal, err)
	}

	return New(rate, channels, bits, signed, float), nil
}

// ParseDeviceString splits the spec.md §6 "backend:device" syntax.
// A string with no recognized backend prefix is assumed to address the
// first registered backend, so backend is returned empty and device is the
// whole input.
func ParseDeviceString(s string, knownBackends []string) (backend, device string) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return "", s
	}
	candidate := s[:idx]
	for _, b := range knownBackends {
		if b == candidate {
			return candidate, s[idx+1:]
		}
	}
	return "", s
}
