package decoder

import (
	"bytes"
	"io"
	"strings"

	"github.com/gopxl/beep/flac"
)

// flacDescriptor decodes FLAC via gopxl/beep/flac — not used by the
// teacher, but pulled in from the same beep family per SPEC_FULL.md §11 to
// cover the lossless codec spec.md §4.3 requires.
func flacDescriptor() Descriptor {
	return Descriptor{
		Name: "flac",
		CheckType: func(contentType string, peek []byte) bool {
			if strings.Contains(contentType, "flac") {
				return true
			}
			return bytes.HasPrefix(peek, []byte("fLaC"))
		},
		NewInstance: func(src io.Reader, contentType string, debug bool) (Instance, error) {
			return newBeepInstance(flac.Decode, src)
		},
	}
}
