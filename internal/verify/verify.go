// Package verify classifies downloaded media files without external tools.
//
// The checks are structural: container headers, trailer markers and size
// accounting. They catch the failure modes of interrupted transfers (zero
// bytes, cut-off tails, HTML error pages saved as media) rather than full
// codec-level validation.
package verify

import (
	"bytes"
	"encoding/binary"
	"image"
	"math"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/lenamarten/memvault/internal/catalog"
)

// Verdict is the outcome of an integrity check.
type Verdict string

const (
	// VerdictValid means the file passed every structural check.
	VerdictValid Verdict = "valid"
	// VerdictEmpty means the file is missing or has a zero-byte payload.
	VerdictEmpty Verdict = "empty"
	// VerdictTruncated means the file starts well but ends early.
	VerdictTruncated Verdict = "truncated"
	// VerdictUnreadable means the decoder rejected the file outright.
	VerdictUnreadable Verdict = "unreadable"
)

// OK reports whether the verdict allows the file to be kept.
func (v Verdict) OK() bool {
	return v == VerdictValid
}

// minVideoSize is the floor below which a video container cannot hold
// any payload worth keeping.
const minVideoSize = 1024

// tailWindow is how many bytes from the end are searched for trailer markers.
const tailWindow = 64

// Check classifies the file at path according to the media kind it is
// supposed to contain.
func Check(path string, kind catalog.MediaKind) Verdict {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return VerdictEmpty
		}
		return VerdictUnreadable
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return VerdictUnreadable
	}
	if info.Size() == 0 {
		return VerdictEmpty
	}

	if kind == catalog.KindVideo {
		return checkVideo(f, info.Size())
	}
	return checkPhoto(f, info.Size())
}

// checkPhoto decodes the image header, then looks for the format's
// end-of-file marker so a half-written file does not pass.
func checkPhoto(f *os.File, size int64) Verdict {
	_, format, err := image.DecodeConfig(f)
	if err != nil {
		return VerdictUnreadable
	}

	tail, err := readTail(f, size)
	if err != nil {
		return VerdictUnreadable
	}

	switch format {
	case "jpeg":
		if !bytes.Contains(tail, []byte{0xFF, 0xD9}) {
			return VerdictTruncated
		}
	case "png":
		if !bytes.Contains(tail, []byte("IEND")) {
			return VerdictTruncated
		}
	case "gif":
		if tail[len(tail)-1] != 0x3B {
			return VerdictTruncated
		}
	case "webp":
		var hdr [8]byte
		if _, err := f.ReadAt(hdr[:], 0); err != nil {
			return VerdictUnreadable
		}
		declared := int64(binary.LittleEndian.Uint32(hdr[4:8])) + 8
		if size < declared {
			return VerdictTruncated
		}
	}
	return VerdictValid
}

// firstBoxTypes are container box types a real MP4/QuickTime file can
// legitimately open with. Anything else is not a video file.
var firstBoxTypes = map[string]bool{
	"ftyp": true,
	"styp": true,
	"moov": true,
	"mdat": true,
	"free": true,
	"skip": true,
	"wide": true,
	"pnot": true,
}

// checkVideo walks the top-level MP4 box structure. Every box length must
// land inside the file and the walk has to visit a moov or mdat box, which
// an interrupted transfer almost never preserves.
func checkVideo(f *os.File, size int64) Verdict {
	if size < minVideoSize {
		return VerdictTruncated
	}

	var (
		offset     int64
		first      = true
		sawPayload bool
	)
	for offset < size {
		if size-offset < 8 {
			return VerdictTruncated
		}
		var hdr [8]byte
		if _, err := f.ReadAt(hdr[:], offset); err != nil {
			return VerdictUnreadable
		}

		boxSize := binary.BigEndian.Uint32(hdr[:4])
		boxType := string(hdr[4:8])

		if first {
			if !firstBoxTypes[boxType] {
				return VerdictUnreadable
			}
			first = false
		}
		if boxType == "moov" || boxType == "mdat" {
			sawPayload = true
		}

		var length int64
		switch boxSize {
		case 0:
			// Box extends to end of file.
			length = size - offset
		case 1:
			// 64-bit length follows the box type.
			if size-offset < 16 {
				return VerdictTruncated
			}
			var ext [8]byte
			if _, err := f.ReadAt(ext[:], offset+8); err != nil {
				return VerdictUnreadable
			}
			large := binary.BigEndian.Uint64(ext[:])
			if large < 16 || large > math.MaxInt64 {
				return VerdictUnreadable
			}
			length = int64(large)
		default:
			if boxSize < 8 {
				return VerdictUnreadable
			}
			length = int64(boxSize)
		}

		if length > size-offset {
			return VerdictTruncated
		}
		offset += length
	}

	if !sawPayload {
		return VerdictTruncated
	}
	return VerdictValid
}

// readTail returns the final tailWindow bytes, or the whole file when smaller.
func readTail(f *os.File, size int64) ([]byte, error) {
	n := int64(tailWindow)
	if size < n {
		n = size
	}
	tail := make([]byte, n)
	if _, err := f.ReadAt(tail, size-n); err != nil {
		return nil, err
	}
	return tail, nil
}
