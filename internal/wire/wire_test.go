package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := NewMsg(1000, NEWJOB_OK)
	m.SetJobID(42)

	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.UID != 1000 || got.Type != NEWJOB_OK || got.JobID() != 42 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeEOFOnEmptyStream(t *testing.T) {
	_, err := Decode(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestDecodeShortReadIsError(t *testing.T) {
	// Only 2 of the 4 uid bytes.
	_, err := Decode(bytes.NewReader([]byte{0x01, 0x02}))
	if err != ErrShort {
		t.Fatalf("expected ErrShort, got %v", err)
	}
}

func TestResultRoundTrip(t *testing.T) {
	m := NewMsg(0, ENDJOB)
	m.SetResult(1, 10.5, 2.25, 13.0, false)

	errlevel, userMs, systemMs, realMs, skipped := m.Result()
	if errlevel != 1 || userMs != 10.5 || systemMs != 2.25 || realMs != 13.0 || skipped {
		t.Fatalf("unexpected result fields: %d %v %v %v %v", errlevel, userMs, systemMs, realMs, skipped)
	}
}

func TestSwapJobIDsRoundTrip(t *testing.T) {
	m := NewMsg(0, SWAP_JOBS)
	m.SetSwapJobIDs(3, 7)
	a, b := m.SwapJobIDs()
	if a != 3 || b != 7 {
		t.Fatalf("expected (3,7), got (%d,%d)", a, b)
	}
}

func TestSendRecvBytesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("echo hi\x00")
	if err := SendBytes(&buf, payload); err != nil {
		t.Fatalf("SendBytes: %v", err)
	}
	got, err := RecvBytes(&buf, int32(len(payload)))
	if err != nil {
		t.Fatalf("RecvBytes: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestRecvBytesShort(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("ab")
	if _, err := RecvBytes(&buf, 5); err != ErrShort {
		t.Fatalf("expected ErrShort, got %v", err)
	}
}

func TestSendRecvIntsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	vals := []int32{1, 2, -1, 99}
	if err := SendInts(&buf, vals); err != nil {
		t.Fatalf("SendInts: %v", err)
	}
	got, err := RecvInts(&buf, int32(len(vals)))
	if err != nil {
		t.Fatalf("RecvInts: %v", err)
	}
	if len(got) != len(vals) {
		t.Fatalf("length mismatch: %d vs %d", len(got), len(vals))
	}
	for i := range vals {
		if got[i] != vals[i] {
			t.Fatalf("index %d: got %d want %d", i, got[i], vals[i])
		}
	}
}

func TestZeroedPayloadNeverLeaksBetweenMessages(t *testing.T) {
	m1 := NewMsg(1, NEWJOB)
	m1.SetJobID(12345)

	// A fresh Msg for a different type must not see m1's payload bytes.
	m2 := NewMsg(1, LAST_ID)
	if m2.JobID() != 0 {
		t.Fatalf("expected zeroed payload on new Msg, got jobid=%d", m2.JobID())
	}
}
