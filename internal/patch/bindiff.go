package patch

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	verrors "github.com/tilevault/tilevault/internal/errors"
)

// Payload envelope carried by every payload row of a bin-diff patch
// container:
//
//	"TVE1" | kind | body
//
// kind 0x00 (whole): body is the snappy-compressed target payload.
// kind 0x01 (delta): body is the 16-byte MD5 of the target payload
// followed by a delta stream against the base payload.
const envelopeMagic = "TVE1"

const (
	envelopeWhole byte = 0x00
	envelopeDelta byte = 0x01
)

// Delta stream layout:
//
//	"TVD1" | uvarint baseLen | uvarint targetLen | uvarint blockSize | ops
//
// ops:
//
//	0x01 COPY  uvarint baseOffset, uvarint length
//	0x02 DATA  uvarint snappyLen, snappy-compressed literal bytes
//	0x00 END
const deltaMagic = "TVD1"

const (
	opEnd  byte = 0x00
	opCopy byte = 0x01
	opData byte = 0x02
)

// matchBlockSize is the granularity of base block matching. Small enough
// to find runs in vector tiles of a few KB, large enough to keep the
// signature table compact.
const matchBlockSize = 64

// Encode wraps target in a payload envelope: a delta against base when
// that comes out smaller, the snappy-compressed whole otherwise. Encode
// cannot fail; inputs with nothing in common just take the whole form.
func Encode(base, target []byte) []byte {
	whole := encodeWhole(target)
	if len(base) < matchBlockSize {
		return whole
	}
	delta := encodeDeltaEnvelope(base, target)
	if len(delta) >= len(whole) {
		return whole
	}
	return delta
}

// Decode unwraps an envelope produced by Encode, reconstructing the
// target payload. Delta envelopes are checked against their embedded
// digest before the result is released.
func Decode(base, envelope []byte) ([]byte, error) {
	if len(envelope) < len(envelopeMagic)+1 || string(envelope[:len(envelopeMagic)]) != envelopeMagic {
		return nil, verrors.NewPatchError(verrors.CodeBadPatchRow,
			"payload is not a patch envelope", nil)
	}
	kind := envelope[len(envelopeMagic)]
	body := envelope[len(envelopeMagic)+1:]

	switch kind {
	case envelopeWhole:
		target, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, verrors.NewPatchError(verrors.CodeBadPatchRow,
				"corrupt whole envelope", err)
		}
		if target == nil {
			// A zero-length payload is still a payload, not a deletion.
			target = []byte{}
		}
		return target, nil

	case envelopeDelta:
		if len(body) < md5.Size {
			return nil, verrors.NewPatchError(verrors.CodeBadPatchRow,
				"truncated delta envelope", nil)
		}
		var want [md5.Size]byte
		copy(want[:], body[:md5.Size])
		target, err := decodeDelta(base, body[md5.Size:])
		if err != nil {
			return nil, err
		}
		if md5.Sum(target) != want {
			return nil, verrors.NewPatchError(verrors.CodeBadPatchRow,
				"delta reconstruction does not match its embedded digest", nil)
		}
		return target, nil

	default:
		return nil, verrors.NewPatchError(verrors.CodeBadPatchRow,
			fmt.Sprintf("unknown envelope kind 0x%02x", kind), nil)
	}
}

func encodeWhole(target []byte) []byte {
	compressed := snappy.Encode(nil, target)
	out := make([]byte, 0, len(envelopeMagic)+1+len(compressed))
	out = append(out, envelopeMagic...)
	out = append(out, envelopeWhole)
	return append(out, compressed...)
}

func encodeDeltaEnvelope(base, target []byte) []byte {
	delta := encodeDelta(base, target)
	sum := md5.Sum(target)
	out := make([]byte, 0, len(envelopeMagic)+1+len(sum)+len(delta))
	out = append(out, envelopeMagic...)
	out = append(out, envelopeDelta)
	out = append(out, sum[:]...)
	return append(out, delta...)
}

// blockSig is the strong signature of one aligned base block.
type blockSig struct {
	hi, lo uint64
	offset int
}

// signBase indexes every aligned base block by its weak checksum.
func signBase(base []byte) map[uint32][]blockSig {
	sigs := make(map[uint32][]blockSig, len(base)/matchBlockSize+1)
	for i := 0; i+matchBlockSize <= len(base); i += matchBlockSize {
		block := base[i : i+matchBlockSize]
		hi, lo := murmur3.Sum128(block)
		w := weakSum(block)
		sigs[w] = append(sigs[w], blockSig{hi: hi, lo: lo, offset: i})
	}
	return sigs
}

// encodeDelta walks the target with a rolling window, emitting COPY ops
// for windows that match an aligned base block (extended forward as far
// as the bytes agree) and DATA literals for everything in between.
func encodeDelta(base, target []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(deltaMagic)
	writeUvarint(&buf, uint64(len(base)))
	writeUvarint(&buf, uint64(len(target)))
	writeUvarint(&buf, uint64(matchBlockSize))

	sigs := signBase(base)

	var literal []byte
	flushLiteral := func() {
		if len(literal) == 0 {
			return
		}
		compressed := snappy.Encode(nil, literal)
		buf.WriteByte(opData)
		writeUvarint(&buf, uint64(len(compressed)))
		buf.Write(compressed)
		literal = literal[:0]
	}

	i := 0
	var sum uint32
	fresh := true
	for i+matchBlockSize <= len(target) {
		if fresh {
			sum = weakSum(target[i : i+matchBlockSize])
			fresh = false
		}

		matched := false
		if candidates, ok := sigs[sum]; ok {
			window := target[i : i+matchBlockSize]
			hi, lo := murmur3.Sum128(window)
			for _, cand := range candidates {
				if cand.hi != hi || cand.lo != lo {
					continue
				}
				if !bytes.Equal(base[cand.offset:cand.offset+matchBlockSize], window) {
					continue
				}
				n := matchBlockSize
				for i+n < len(target) && cand.offset+n < len(base) && target[i+n] == base[cand.offset+n] {
					n++
				}
				flushLiteral()
				buf.WriteByte(opCopy)
				writeUvarint(&buf, uint64(cand.offset))
				writeUvarint(&buf, uint64(n))
				i += n
				fresh = true
				matched = true
				break
			}
		}
		if !matched {
			literal = append(literal, target[i])
			if i+matchBlockSize < len(target) {
				sum = roll(sum, target[i], target[i+matchBlockSize])
			}
			i++
		}
	}
	literal = append(literal, target[i:]...)
	flushLiteral()
	buf.WriteByte(opEnd)
	return buf.Bytes()
}

func decodeDelta(base, delta []byte) ([]byte, error) {
	r := bytes.NewReader(delta)
	magic := make([]byte, len(deltaMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != deltaMagic {
		return nil, verrors.NewPatchError(verrors.CodeBadPatchRow,
			"payload is not a delta stream", err)
	}
	baseLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, truncatedDelta(err)
	}
	targetLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, truncatedDelta(err)
	}
	blockSize, err := binary.ReadUvarint(r)
	if err != nil || blockSize == 0 {
		return nil, truncatedDelta(err)
	}
	if baseLen != uint64(len(base)) {
		return nil, verrors.NewPatchError(verrors.CodeBadPatchRow,
			fmt.Sprintf("delta expects a %d-byte base, have %d bytes", baseLen, len(base)), nil)
	}

	capHint := targetLen
	if capHint > 1<<20 {
		capHint = 1 << 20
	}
	out := make([]byte, 0, capHint)
	for {
		op, err := r.ReadByte()
		if err != nil {
			return nil, truncatedDelta(err)
		}
		switch op {
		case opEnd:
			if uint64(len(out)) != targetLen {
				return nil, verrors.NewPatchError(verrors.CodeBadPatchRow,
					fmt.Sprintf("delta produced %d bytes, stream promised %d", len(out), targetLen), nil)
			}
			return out, nil

		case opCopy:
			off, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, truncatedDelta(err)
			}
			n, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, truncatedDelta(err)
			}
			end := off + n
			if end < off || end > uint64(len(base)) {
				return nil, verrors.NewPatchError(verrors.CodeBadPatchRow,
					fmt.Sprintf("delta copy [%d, %d) exceeds the %d-byte base", off, end, len(base)), nil)
			}
			out = append(out, base[off:end]...)

		case opData:
			clen, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, truncatedDelta(err)
			}
			if clen > uint64(r.Len()) {
				return nil, truncatedDelta(io.ErrUnexpectedEOF)
			}
			compressed := make([]byte, clen)
			if _, err := io.ReadFull(r, compressed); err != nil {
				return nil, truncatedDelta(err)
			}
			lit, err := snappy.Decode(nil, compressed)
			if err != nil {
				return nil, verrors.NewPatchError(verrors.CodeBadPatchRow,
					"corrupt delta literal", err)
			}
			out = append(out, lit...)

		default:
			return nil, verrors.NewPatchError(verrors.CodeBadPatchRow,
				fmt.Sprintf("unknown delta op 0x%02x", op), nil)
		}
	}
}

func truncatedDelta(cause error) error {
	return verrors.NewPatchError(verrors.CodeBadPatchRow, "truncated delta stream", cause)
}

// weakSum is the rolling checksum over a window: a is the byte sum, b
// the position-weighted sum, both mod 2^16, packed a low b high.
func weakSum(p []byte) uint32 {
	var a, b uint32
	for i, c := range p {
		a += uint32(c)
		b += uint32(len(p)-i) * uint32(c)
	}
	return (a & 0xffff) | ((b & 0xffff) << 16)
}

// roll slides the checksum window one byte forward: drop out, admit in.
func roll(sum uint32, out, in byte) uint32 {
	a := sum & 0xffff
	b := sum >> 16
	a = (a - uint32(out) + uint32(in)) & 0xffff
	b = (b - uint32(matchBlockSize)*uint32(out) + a) & 0xffff
	return a | b<<16
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}
