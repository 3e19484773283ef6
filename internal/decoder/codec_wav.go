package decoder

import (
	"bytes"
	"io"
	"strings"

	"github.com/gopxl/beep/wav"
)

// wavDescriptor decodes WAV/AIFF via gopxl/beep/wav, the remaining member
// of the beep codec family SPEC_FULL.md §11 wires in alongside mp3/flac.
func wavDescriptor() Descriptor {
	return Descriptor{
		Name: "wav",
		CheckType: func(contentType string, peek []byte) bool {
			if strings.Contains(contentType, "wav") || strings.Contains(contentType, "aiff") || strings.Contains(contentType, "x-aiff") {
				return true
			}
			if bytes.HasPrefix(peek, []byte("RIFF")) {
				return true
			}
			return bytes.HasPrefix(peek, []byte("FORM"))
		},
		NewInstance: func(src io.Reader, contentType string, debug bool) (Instance, error) {
			return newBeepInstance(wav.Decode, src)
		},
	}
}
