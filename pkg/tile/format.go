package tile

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Format identifies the payload type of a stored tile blob.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatPNG
	FormatJPEG
	FormatGIF
	FormatWebP
	// FormatPBF is an uncompressed Mapbox vector tile.
	FormatPBF
	// FormatGzipPBF is a gzip-compressed vector tile, the usual encoding
	// inside .mbtiles files.
	FormatGzipPBF
)

// String returns the lowercase format name.
func (f Format) String() string {
	switch f {
	case FormatPNG:
		return "png"
	case FormatJPEG:
		return "jpg"
	case FormatGIF:
		return "gif"
	case FormatWebP:
		return "webp"
	case FormatPBF:
		return "pbf"
	case FormatGzipPBF:
		return "pbf (gzip)"
	default:
		return "unknown"
	}
}

// MetadataValue returns the value the "format" metadata key should carry
// for this format, or "" when the format is unknown. Both PBF variants
// map to "pbf"; the encoding is not part of the key.
func (f Format) MetadataValue() string {
	switch f {
	case FormatPNG:
		return "png"
	case FormatJPEG:
		return "jpg"
	case FormatGIF:
		return "gif"
	case FormatWebP:
		return "webp"
	case FormatPBF, FormatGzipPBF:
		return "pbf"
	default:
		return ""
	}
}

var (
	magicPNG  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	magicJPEG = []byte{0xff, 0xd8, 0xff}
	magicGIF  = []byte("GIF8")
	magicRIFF = []byte("RIFF")
	magicWebP = []byte("WEBP")
	magicGzip = []byte{0x1f, 0x8b}
)

// DetectFormat sniffs the payload type of a tile blob from its leading
// bytes. Gzip payloads are partially decompressed to confirm they wrap a
// vector tile; gzip around anything else reports FormatUnknown so callers
// do not mislabel compressed rasters or JSON.
func DetectFormat(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, magicPNG):
		return FormatPNG
	case bytes.HasPrefix(data, magicJPEG):
		return FormatJPEG
	case bytes.HasPrefix(data, magicGIF):
		return FormatGIF
	case len(data) >= 12 && bytes.HasPrefix(data, magicRIFF) && bytes.Equal(data[8:12], magicWebP):
		return FormatWebP
	case bytes.HasPrefix(data, magicGzip):
		if looksLikeVectorTile(gunzipHead(data, 16)) {
			return FormatGzipPBF
		}
		return FormatUnknown
	case looksLikeVectorTile(data):
		return FormatPBF
	default:
		return FormatUnknown
	}
}

// looksLikeVectorTile applies the MVT heuristic: the outermost message of
// a vector tile is a sequence of layer fields, field number 3 with wire
// type 2, so the first byte is 0x1a.
func looksLikeVectorTile(data []byte) bool {
	return len(data) > 1 && data[0] == 0x1a
}

// gunzipHead decompresses at most n leading bytes of a gzip payload.
// Returns nil when the stream is not valid gzip.
func gunzipHead(data []byte, n int) []byte {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	defer zr.Close()
	head := make([]byte, n)
	read, err := io.ReadFull(zr, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil
	}
	return head[:read]
}
