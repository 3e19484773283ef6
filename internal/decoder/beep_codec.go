package decoder

import (
	"io"

	"github.com/gopxl/beep"

	"github.com/riftaudio/streamd/internal/format"
)

// beepDecodeFunc is the shape shared by beep's mp3.Decode, flac.Decode and
// wav.Decode — the teacher's player.go calls mp3.Decode directly; here each
// codec descriptor plugs its decode func into the same adapter.
type beepDecodeFunc func(r io.Reader) (beep.StreamSeekCloser, beep.Format, error)

// beepInstance adapts a beep.StreamSeekCloser, which yields [][2]float64
// sample frames, into the Decoder.Instance contract, which deals in raw
// PCM bytes. The canonical wire format between Decoder and Sink is signed
// 16-bit little-endian, interleaved — chosen so every Sink backend (beep
// speaker, portaudio, null) can agree on one byte layout regardless of
// which codec produced it.
type beepInstance struct {
	streamer beep.StreamSeekCloser
	fmt      format.AudioFormat
	volume   float64 // 1.0 = unity; codec-level gain is multiplied in before quantizing
	samples  [][2]float64
}

func newBeepInstance(decode beepDecodeFunc, r io.Reader) (Instance, error) {
	streamer, bf, err := decode(r)
	if err != nil {
		return nil, err
	}
	// Beep streams [2]float64 frames whatever the source's channel count,
	// so DeliverOutput always writes stereo.
	af := format.New(int(bf.SampleRate), 2, 16, true, false)
	return &beepInstance{
		streamer: streamer,
		fmt:      af,
		volume:   1.0,
		samples:  make([][2]float64, 512),
	}, nil
}

func (b *beepInstance) Format() format.AudioFormat { return b.fmt }

func (b *beepInstance) Close() error { return b.streamer.Close() }

func (b *beepInstance) SetVolume(level float64) error {
	if level < 0 {
		level = 0
	}
	b.volume = level
	return nil
}

// DeliverOutput fills dst with as many whole stereo S16_LE frames as fit,
// decoding from the underlying beep streamer as needed.
func (b *beepInstance) DeliverOutput(dst []byte) (int, error) {
	const bytesPerFrame = 4 // 2 channels * 2 bytes
	maxFrames := len(dst) / bytesPerFrame
	if maxFrames == 0 {
		return 0, nil
	}
	if maxFrames > len(b.samples) {
		maxFrames = len(b.samples)
	}

	n, ok := b.streamer.Stream(b.samples[:maxFrames])
	for i := 0; i < n; i++ {
		l := clampSample(b.samples[i][0] * b.volume)
		r := clampSample(b.samples[i][1] * b.volume)
		off := i * bytesPerFrame
		putS16LE(dst[off:], l)
		putS16LE(dst[off+2:], r)
	}
	if !ok {
		if n == 0 {
			return 0, io.EOF
		}
		return n * bytesPerFrame, io.EOF
	}
	return n * bytesPerFrame, nil
}

func clampSample(v float64) int16 {
	if v > 1 {
		v = 1
	}
	if v < -1 {
		v = -1
	}
	return int16(v * 32767)
}

func putS16LE(dst []byte, v int16) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
}
