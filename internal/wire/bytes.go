package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SendBytes writes a raw variable-length payload whose size was already
// communicated via the preceding Msg (e.g. Msg.Size, NewJobFields.CommandSize).
// A zero-length payload is a valid no-op write.
func SendBytes(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	n, err := w.Write(data)
	if err != nil {
		return fmt.Errorf("wire: send bytes: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("wire: send bytes: short write (%d of %d)", n, len(data))
	}
	return nil
}

// RecvBytes reads exactly size bytes, the counterpart to SendBytes. A partial
// read is ErrShort.
func RecvBytes(r io.Reader, size int32) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ErrShort
	}
	return buf, nil
}

// SendInts writes a slice of int32 as a trailing raw payload (used for
// dependency-id arrays and GPU index overrides).
func SendInts(w io.Writer, vals []int32) error {
	for _, v := range vals {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("wire: send ints: %w", err)
		}
	}
	return nil
}

// RecvInts reads count int32 values written by SendInts.
func RecvInts(r io.Reader, count int32) ([]int32, error) {
	if count <= 0 {
		return nil, nil
	}
	out := make([]int32, count)
	for i := range out {
		var v int32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, ErrShort
		}
		out[i] = v
	}
	return out, nil
}
