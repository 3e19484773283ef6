package decoder

import (
	"bytes"
	"io"
	"strings"

	"github.com/gopxl/beep/mp3"
)

// mp3Descriptor decodes MPEG audio via gopxl/beep/mp3, the same package the
// teacher's Player.loadAndPlay calls directly.
func mp3Descriptor() Descriptor {
	return Descriptor{
		Name: "mp3",
		CheckType: func(contentType string, peek []byte) bool {
			if strings.Contains(contentType, "mpeg") || strings.Contains(contentType, "mp3") {
				return true
			}
			// ID3v2 tag, or a frame sync word (11 set high bits).
			if bytes.HasPrefix(peek, []byte("ID3")) {
				return true
			}
			return len(peek) >= 2 && peek[0] == 0xFF && peek[1]&0xE0 == 0xE0
		},
		NewInstance: func(src io.Reader, contentType string, debug bool) (Instance, error) {
			return newBeepInstance(mp3.Decode, src)
		},
	}
}
