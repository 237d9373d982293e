package descriptor

import (
	"encoding/binary"
	"fmt"
)

// reader walks a descriptor buffer, bounds-checking every read against the
// remaining length before slicing. Length-prefixed fields are validated
// against what is actually left in buf, never against the declared length
// alone, so a forged length field cannot cause an out-of-bounds slice.
type reader struct {
	buf []byte
	off int
}

var errTruncated = fmt.Errorf("descriptor: truncated")

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) readExact(dst []byte) error {
	if r.remaining() < len(dst) {
		return errTruncated
	}
	copy(dst, r.buf[r.off:r.off+len(dst)])
	r.off += len(dst)
	return nil
}

func (r *reader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, errTruncated
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) readU16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, errTruncated
	}
	v := binary.BigEndian.Uint16(r.buf[r.off : r.off+2])
	r.off += 2
	return v, nil
}

func (r *reader) readU32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, errTruncated
	}
	v := binary.BigEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v, nil
}

func (r *reader) readU64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, errTruncated
	}
	v := binary.BigEndian.Uint64(r.buf[r.off : r.off+8])
	r.off += 8
	return v, nil
}

func (r *reader) readString() (string, error) {
	n, err := r.readU16()
	if err != nil {
		return "", err
	}
	if r.remaining() < int(n) {
		return "", errTruncated
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *reader) readBytes() ([]byte, error) {
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	if r.remaining() < int(n) {
		return nil, errTruncated
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return out, nil
}
