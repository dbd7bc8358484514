package ncm

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softprobe/pkg"
)

// Transfer block signatures (little-endian "NCMH", "NCM0", "NCM1").
const (
	NTH16Signature  = 0x484D434E
	NDP16Signature0 = 0x304D434E
	NDP16Signature1 = 0x314D434E
)

// Transfer block layout.
const (
	NTH16Size       = 12 // Transfer header
	NDP16HeaderSize = 8  // Pointer table signature, length and next-table offset
	NDP16EntrySize  = 4  // One (offset, length) pair

	// NDP16SingleSize is a pointer table with one datagram entry and the
	// terminator.
	NDP16SingleSize = NDP16HeaderSize + 2*NDP16EntrySize

	// PayloadOffset is where an encoded block carries its datagram.
	PayloadOffset = NTH16Size + NDP16SingleSize

	// MaxBlockSize is the largest block a 16-bit header can describe.
	MaxBlockSize = 0xFFFF
)

// Check names the validation a malformed block failed.
type Check uint8

// Validation checks, in the order Decode applies them.
const (
	CheckLength Check = iota + 1
	CheckHeaderSignature
	CheckTableOffset
	CheckTableSignature
	CheckTableLength
	CheckTerminator
	CheckNextTable
	CheckDatagramBounds
)

// String returns the check name.
func (c Check) String() string {
	switch c {
	case CheckLength:
		return "block length"
	case CheckHeaderSignature:
		return "header signature"
	case CheckTableOffset:
		return "table offset"
	case CheckTableSignature:
		return "table signature"
	case CheckTableLength:
		return "table length"
	case CheckTerminator:
		return "table terminator"
	case CheckNextTable:
		return "next table offset"
	case CheckDatagramBounds:
		return "datagram bounds"
	default:
		return fmt.Sprintf("check(%d)", uint8(c))
	}
}

// FormatError reports the first check a transfer block failed.
type FormatError struct {
	Check  Check
	Length int    // Length of the buffer that was decoded
	Value  uint32 // Offending field value, if any
}

// Error implements error.
func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed transfer block: %s (length %d, value 0x%X)",
		e.Check, e.Length, e.Value)
}

// Is matches [pkg.ErrMalformedBlock].
func (e *FormatError) Is(target error) bool {
	return target == pkg.ErrMalformedBlock
}

func malformed(check Check, length int, value uint32) error {
	return &FormatError{Check: check, Length: length, Value: value}
}

// Header is the decoded transfer header.
type Header struct {
	Sequence    uint16
	BlockLength uint16
	TableOffset uint16
}

// ReadHeader returns the transfer header of buf without validating the
// rest of the block.
func ReadHeader(buf []byte) (Header, bool) {
	if len(buf) < NTH16Size || binary.LittleEndian.Uint32(buf) != NTH16Signature {
		return Header{}, false
	}
	return Header{
		Sequence:    binary.LittleEndian.Uint16(buf[6:]),
		BlockLength: binary.LittleEndian.Uint16(buf[8:]),
		TableOffset: binary.LittleEndian.Uint16(buf[10:]),
	}, true
}

// table validates the header and locates the pointer table. It returns the
// table offset and length.
func table(buf []byte) (int, int, error) {
	n := len(buf)
	if n <= PayloadOffset {
		return 0, 0, malformed(CheckLength, n, uint32(n))
	}
	if sig := binary.LittleEndian.Uint32(buf); sig != NTH16Signature {
		return 0, 0, malformed(CheckHeaderSignature, n, sig)
	}
	off := int(binary.LittleEndian.Uint16(buf[10:]))
	if off < NTH16Size || off+NDP16HeaderSize > n {
		return 0, 0, malformed(CheckTableOffset, n, uint32(off))
	}
	sig := binary.LittleEndian.Uint32(buf[off:])
	if sig != NDP16Signature0 && sig != NDP16Signature1 {
		return 0, 0, malformed(CheckTableSignature, n, sig)
	}
	tlen := int(binary.LittleEndian.Uint16(buf[off+4:]))
	if tlen < NDP16SingleSize || off+tlen > n {
		return 0, 0, malformed(CheckTableLength, n, uint32(tlen))
	}
	return off, tlen, nil
}

func entry(buf []byte, off, i int) (int, int) {
	p := off + NDP16HeaderSize + i*NDP16EntrySize
	return int(binary.LittleEndian.Uint16(buf[p:])), int(binary.LittleEndian.Uint16(buf[p+2:]))
}

// Decode validates a single-datagram transfer block and returns its
// datagram, which aliases buf. The first failed check is reported as a
// [*FormatError].
func Decode(buf []byte) ([]byte, error) {
	n := len(buf)
	off, _, err := table(buf)
	if err != nil {
		return nil, err
	}
	if o, l := entry(buf, off, 1); o != 0 || l != 0 {
		return nil, malformed(CheckTerminator, n, uint32(o)<<16|uint32(l))
	}
	if next := binary.LittleEndian.Uint16(buf[off+6:]); next != 0 {
		return nil, malformed(CheckNextTable, n, uint32(next))
	}
	o, l := entry(buf, off, 0)
	if l == 0 || o+l > n {
		return nil, malformed(CheckDatagramBounds, n, uint32(o)<<16|uint32(l))
	}
	return buf[o : o+l], nil
}

// Decoder decodes blocks carrying up to MaxDatagrams datagrams. A limit of
// 0 or 1 is the single-datagram profile of [Decode].
type Decoder struct {
	MaxDatagrams int
}

// DecodeAll validates buf and returns every datagram it carries. The
// datagrams alias buf.
func (d Decoder) DecodeAll(buf []byte) ([][]byte, error) {
	if d.MaxDatagrams <= 1 {
		dg, err := Decode(buf)
		if err != nil {
			return nil, err
		}
		return [][]byte{dg}, nil
	}

	n := len(buf)
	off, tlen, err := table(buf)
	if err != nil {
		return nil, err
	}

	// The terminator must appear within the table and no later than
	// MaxDatagrams entries in.
	entries := (tlen - NDP16HeaderSize) / NDP16EntrySize
	count := -1
	for i := 0; i < entries && i <= d.MaxDatagrams; i++ {
		if o, l := entry(buf, off, i); o == 0 && l == 0 {
			count = i
			break
		}
	}
	if count < 0 {
		return nil, malformed(CheckTerminator, n, uint32(entries))
	}
	if next := binary.LittleEndian.Uint16(buf[off+6:]); next != 0 {
		return nil, malformed(CheckNextTable, n, uint32(next))
	}
	if count == 0 {
		return nil, malformed(CheckDatagramBounds, n, 0)
	}

	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		o, l := entry(buf, off, i)
		if l == 0 || o+l > n {
			return nil, malformed(CheckDatagramBounds, n, uint32(o)<<16|uint32(l))
		}
		out = append(out, buf[o:o+l])
	}
	return out, nil
}

// Encoder builds single-datagram transfer blocks with a wrapping sequence
// number.
type Encoder struct {
	seq uint16
}

// Sequence returns the sequence number the next block will carry.
func (e *Encoder) Sequence() uint16 {
	return e.seq
}

// Reset restarts the sequence at zero.
func (e *Encoder) Reset() {
	e.seq = 0
}

// EncodeFunc builds a block in dst, calling fill to write the datagram
// directly into its payload position. fill returns the datagram length.
// It returns the total block length, 12 + 16 + datagram length.
func (e *Encoder) EncodeFunc(dst []byte, fill func(payload []byte) int) (int, error) {
	if len(dst) > MaxBlockSize {
		dst = dst[:MaxBlockSize]
	}
	if len(dst) <= PayloadOffset {
		return 0, pkg.ErrBufferTooSmall
	}
	n := fill(dst[PayloadOffset:])
	if n <= 0 || n > len(dst)-PayloadOffset {
		return 0, pkg.ErrInvalidParameter
	}
	total := PayloadOffset + n

	binary.LittleEndian.PutUint32(dst[0:], NTH16Signature)
	binary.LittleEndian.PutUint16(dst[4:], NTH16Size)
	binary.LittleEndian.PutUint16(dst[6:], e.seq)
	binary.LittleEndian.PutUint16(dst[8:], uint16(total))
	binary.LittleEndian.PutUint16(dst[10:], NTH16Size)

	ndp := dst[NTH16Size:PayloadOffset]
	binary.LittleEndian.PutUint32(ndp[0:], NDP16Signature0)
	binary.LittleEndian.PutUint16(ndp[4:], NDP16SingleSize)
	binary.LittleEndian.PutUint16(ndp[6:], 0)
	binary.LittleEndian.PutUint16(ndp[8:], PayloadOffset)
	binary.LittleEndian.PutUint16(ndp[10:], uint16(n))
	binary.LittleEndian.PutUint32(ndp[12:], 0)

	e.seq++
	return total, nil
}

// Encode builds a block in dst carrying datagram.
func (e *Encoder) Encode(dst, datagram []byte) (int, error) {
	if len(datagram) == 0 {
		return 0, pkg.ErrInvalidParameter
	}
	if PayloadOffset+len(datagram) > len(dst) || PayloadOffset+len(datagram) > MaxBlockSize {
		return 0, pkg.ErrBufferTooSmall
	}
	return e.EncodeFunc(dst, func(payload []byte) int {
		return copy(payload, datagram)
	})
}

// NTBParameters is the GET_NTB_PARAMETERS response.
type NTBParameters struct {
	InMaxSize           uint32 // Largest block the device sends
	InDivisor           uint16
	InPayloadRemainder  uint16
	InAlignment         uint16
	OutMaxSize          uint32 // Largest block the device accepts
	OutDivisor          uint16
	OutPayloadRemainder uint16
	OutAlignment        uint16
	OutMaxDatagrams     uint16 // 0 means no limit
}

// NTBParametersSize is the size of the serialized parameters.
const NTBParametersSize = 28

// ntbFormat16 advertises 16-bit transfer blocks only.
const ntbFormat16 = 0x0001

// MarshalTo serializes the parameters to buf.
func (p *NTBParameters) MarshalTo(buf []byte) int {
	if len(buf) < NTBParametersSize {
		return 0
	}
	binary.LittleEndian.PutUint16(buf[0:], NTBParametersSize)
	binary.LittleEndian.PutUint16(buf[2:], ntbFormat16)
	binary.LittleEndian.PutUint32(buf[4:], p.InMaxSize)
	binary.LittleEndian.PutUint16(buf[8:], p.InDivisor)
	binary.LittleEndian.PutUint16(buf[10:], p.InPayloadRemainder)
	binary.LittleEndian.PutUint16(buf[12:], p.InAlignment)
	binary.LittleEndian.PutUint16(buf[14:], 0)
	binary.LittleEndian.PutUint32(buf[16:], p.OutMaxSize)
	binary.LittleEndian.PutUint16(buf[20:], p.OutDivisor)
	binary.LittleEndian.PutUint16(buf[22:], p.OutPayloadRemainder)
	binary.LittleEndian.PutUint16(buf[24:], p.OutAlignment)
	binary.LittleEndian.PutUint16(buf[26:], p.OutMaxDatagrams)
	return NTBParametersSize
}
