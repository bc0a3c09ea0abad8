package message

import (
	"encoding/binary"
	"fmt"
)

// readLenEncInt decodes a length-encoded integer at pos, returning its
// value and the number of bytes consumed. Grounded on the teacher's
// skipLenEnc (mysql_relay.go), generalized to also return the value.
func readLenEncInt(b []byte, pos int) (value uint64, consumed int, err error) {
	if pos >= len(b) {
		return 0, 0, fmt.Errorf("message: lenenc-int: out of data")
	}
	first := b[pos]
	switch {
	case first < 0xfb:
		return uint64(first), 1, nil
	case first == 0xfc:
		if pos+3 > len(b) {
			return 0, 0, fmt.Errorf("message: lenenc-int: truncated 2-byte form")
		}
		return uint64(binary.LittleEndian.Uint16(b[pos+1 : pos+3])), 3, nil
	case first == 0xfd:
		if pos+4 > len(b) {
			return 0, 0, fmt.Errorf("message: lenenc-int: truncated 3-byte form")
		}
		v := uint64(b[pos+1]) | uint64(b[pos+2])<<8 | uint64(b[pos+3])<<16
		return v, 4, nil
	case first == 0xfe:
		if pos+9 > len(b) {
			return 0, 0, fmt.Errorf("message: lenenc-int: truncated 8-byte form")
		}
		return binary.LittleEndian.Uint64(b[pos+1 : pos+9]), 9, nil
	default: // 0xfb is NULL in result-set contexts; not valid standalone here
		return 0, 0, fmt.Errorf("message: lenenc-int: invalid leading byte %#x", first)
	}
}

// appendLenEncInt appends v to b in length-encoded-integer form.
func appendLenEncInt(b []byte, v uint64) []byte {
	switch {
	case v < 0xfb:
		return append(b, byte(v))
	case v <= 0xffff:
		return append(b, 0xfc, byte(v), byte(v>>8))
	case v <= 0xffffff:
		return append(b, 0xfd, byte(v), byte(v>>8), byte(v>>16))
	default:
		b = append(b, 0xfe)
		return binary.LittleEndian.AppendUint64(b, v)
	}
}

// readLenEncString decodes a length-encoded string at pos, returning its
// value and the number of bytes consumed (prefix + payload).
func readLenEncString(b []byte, pos int) (value string, consumed int, err error) {
	n, adv, err := readLenEncInt(b, pos)
	if err != nil {
		return "", 0, err
	}
	start := pos + adv
	end := start + int(n)
	if end > len(b) {
		return "", 0, fmt.Errorf("message: lenenc-string: truncated payload")
	}
	return string(b[start:end]), adv + int(n), nil
}

// appendLenEncString appends s to b in length-encoded-string form.
func appendLenEncString(b []byte, s string) []byte {
	b = appendLenEncInt(b, uint64(len(s)))
	return append(b, s...)
}
