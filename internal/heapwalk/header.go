package heapwalk

import (
	"fmt"

	"github.com/wdbg/heapstat/internal/target"
)

// entryHeader is a decoded _HEAP_ENTRY: the 8-byte (32-bit) or
// 16-byte (64-bit) header every block in a segment's
// linear chain carries, before or after XOR-decoding against the
// owning heap's Encoding value. On 64-bit targets the leading 8 bytes
// are PreviousBlockPrivateData and are never encoded; the classic
// Size/PreviousSize/Flags/ExtendedBlockSignature sub-structure always
// occupies the header's trailing 8 bytes, at headerSize-8.
type entryHeader struct {
	size                   int64 // in block_unit units, pre-scaling
	previousSize           int64
	flags                  uint8
	extendedBlockSignature uint8 // spec.md §4.4.2/§4.4.5's overhead/sentinel byte

	headerSize int64 // bytes: 8 on 32-bit, 16 on 64-bit
	blockUnit  int64 // bytes per Size/PreviousSize unit: 8 on 32-bit, 16 on 64-bit
}

const heapEntryBusy = 0x01

// headerSizeFor and blockUnitFor are spec.md §4.4.2/§4.4.3's two
// bitness-dependent constants: the _HEAP_ENTRY header grows from 8 to
// 16 bytes on 64-bit (to hold PreviousBlockPrivateData), and the
// Size/PreviousSize granularity doubles to match.
func headerSizeFor(bitness int) int64 {
	if bitness == 32 {
		return 8
	}
	return 16
}

func blockUnitFor(bitness int) int64 {
	if bitness == 32 {
		return 8
	}
	return 16
}

// encoding holds a heap's decode key: heap headers are stored XORed
// with this value (HEAP.Encoding) when HEAP.EncodeFlagMask indicates
// encoding is active, a mitigation against header-corruption exploits
// introduced in Windows Vista. The mask is 8 bytes on 32-bit targets,
// 16 on 64-bit.
type encoding struct {
	enabled bool
	key     [16]byte
	keyLen  int
}

func readEncoding(t target.Target, heap target.Address, bitness int) (encoding, error) {
	maskOff, err := t.FieldOffset("_HEAP", "EncodeFlagMask")
	if err != nil {
		return encoding{}, err
	}
	mask, err := t.ReadU32(heap.Add(maskOff))
	if err != nil {
		return encoding{}, fmt.Errorf("reading EncodeFlagMask: %w", err)
	}
	if mask == 0 {
		return encoding{enabled: false}, nil
	}
	keyOff, err := t.FieldOffset("_HEAP", "Encoding")
	if err != nil {
		return encoding{}, err
	}
	keySize := int64(8)
	if bitness == 64 {
		keySize = 16
	}
	raw, err := t.ReadBytes(heap.Add(keyOff), keySize)
	if err != nil {
		return encoding{}, fmt.Errorf("reading Encoding key: %w", err)
	}
	var enc encoding
	enc.enabled = true
	enc.keyLen = int(keySize)
	copy(enc.key[:], raw)
	return enc, nil
}

// decodeEntry reads and, if necessary, XOR-decodes the _HEAP_ENTRY at
// addr, then validates its checksum: the XOR of the classic
// sub-structure's first three bytes must equal its fourth (bytes 0..3
// on a 32-bit header, 8..11 on a 64-bit one, per spec.md §4.4.2). The
// leading 8 bytes of a 64-bit header are PreviousBlockPrivateData and
// are excluded from both the XOR decode and the checksum.
func decodeEntry(t target.Target, addr target.Address, enc encoding, bitness int) (entryHeader, error) {
	headerSize := headerSizeFor(bitness)
	blockUnit := blockUnitFor(bitness)
	fieldsOff := int64(0)
	if bitness == 64 {
		fieldsOff = 8
	}

	raw, err := t.ReadBytes(addr, headerSize)
	if err != nil {
		return entryHeader{}, target.NotReadable(addr, headerSize)
	}
	buf := make([]byte, len(raw))
	copy(buf, raw)
	if enc.enabled {
		for i := fieldsOff; i < int64(len(buf)); i++ {
			buf[i] ^= enc.key[(i-fieldsOff)%int64(enc.keyLen)]
		}
	}

	f := buf[fieldsOff:]
	if f[0]^f[1]^f[2] != f[3] {
		return entryHeader{}, fmt.Errorf("%w at %s", target.ErrHeaderInvalid, addr)
	}

	return entryHeader{
		size:                   int64(f[0]) | int64(f[1])<<8,
		previousSize:           int64(f[2]),
		flags:                  f[5],
		extendedBlockSignature: f[7],
		headerSize:             headerSize,
		blockUnit:              blockUnit,
	}, nil
}

func (h entryHeader) byteSize() int64 { return h.size * h.blockUnit }
func (h entryHeader) busy() bool      { return h.flags&heapEntryBusy != 0 }
