package decoder

import (
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/riftaudio/streamd/internal/format"
)

// pcmDescriptor passes raw PCM straight through, matching content types of
// the form "audio/L16;rate=44100;channels=2" (RFC 2586) or bare
// "audio/pcm"/"audio/x-raw". There is no container to parse and no
// compressed samples to inflate, so this codec is plain stdlib — no
// SPEC_FULL.md library from the examples has a home here, and pulling one
// in to copy bytes through a Fifo would be pure ceremony.
func pcmDescriptor() Descriptor {
	return Descriptor{
		Name: "pcm",
		CheckType: func(contentType string, peek []byte) bool {
			lower := strings.ToLower(contentType)
			return strings.HasPrefix(lower, "audio/l16") ||
				strings.HasPrefix(lower, "audio/pcm") ||
				strings.HasPrefix(lower, "audio/x-raw")
		},
		NewInstance: func(src io.Reader, contentType string, debug bool) (Instance, error) {
			return &pcmInstance{src: src, fmt: parsePCMContentType(contentType)}, nil
		},
	}
}

// NewPCMInstance builds a raw-PCM instance with an explicit format, for
// callers (the Pipeline) that already negotiated sample rate/channels from
// a Track's StreamRef rather than relying on content-type parameters.
func NewPCMInstance(src io.Reader, f format.AudioFormat) Instance {
	return &pcmInstance{src: src, fmt: f}
}

// parsePCMContentType extracts rate/channels parameters from an
// "audio/L16;rate=...;channels=..." style content type, falling back to
// CD quality (44100/2) for whatever it cannot find.
func parsePCMContentType(contentType string) format.AudioFormat {
	af := format.New(44100, 2, 16, true, false)
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return af
	}
	sampleRate := 44100
	channels := 2
	if v, ok := params["rate"]; ok {
		if n, perr := strconv.Atoi(v); perr == nil {
			sampleRate = n
		}
	}
	if v, ok := params["channels"]; ok {
		if n, perr := strconv.Atoi(v); perr == nil {
			channels = n
		}
	}
	return format.New(sampleRate, channels, 16, true, false)
}

type pcmInstance struct {
	src io.Reader
	fmt format.AudioFormat
}

func (p *pcmInstance) Format() format.AudioFormat { return p.fmt }

func (p *pcmInstance) Close() error {
	if c, ok := p.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// DeliverOutput copies bytes straight through, truncated to a whole number
// of frames so the Sink never sees a split sample.
func (p *pcmInstance) DeliverOutput(dst []byte) (int, error) {
	bpf := p.fmt.BytesPerFrame()
	if bpf <= 0 {
		bpf = 1
	}
	usable := (len(dst) / bpf) * bpf
	if usable == 0 {
		return 0, nil
	}
	n, err := p.src.Read(dst[:usable])
	// Complete a frame the underlying reader split at the tail of a
	// fragment, so no sample bytes are dropped mid-stream.
	if rem := n % bpf; rem != 0 && err == nil {
		m, rerr := io.ReadFull(p.src, dst[n:n+bpf-rem])
		n += m
		if rerr == io.ErrUnexpectedEOF {
			rerr = io.EOF
		}
		err = rerr
	}
	// Only a stream that ends mid-frame leaves a remainder to round off.
	n -= n % bpf
	return n, err
}
