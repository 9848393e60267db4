// Package wire implements the task-spooler binary protocol: a fixed-size
// message record followed by an optional variable-length byte payload whose
// size is carried in the preceding record.
//
// Every request and reply is one Msg. Message boundaries are never inferred
// from content — the codec always knows exactly how many bytes to read next,
// either sizeof(Msg) or a size carried by a previously-read field.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// Type is the message type tag.
type Type int32

const (
	TypeUnknown Type = iota
	NEWJOB
	NEWJOB_OK
	NEWJOB_NOK
	LIST
	LIST_LINE
	GET_VERSION
	VERSION
	INFO
	INFO_DATA
	LAST_ID
	ASK_OUTPUT
	ANSWER_OUTPUT
	KILL_SERVER
	CLEAR_FINISHED
	REMOVEJOB
	REMOVEJOB_OK
	WAITJOB
	WAIT_RUNNING_JOB
	WAITJOB_OK
	SET_MAX_SLOTS
	GET_MAX_SLOTS
	GET_MAX_SLOTS_OK
	URGENT
	URGENT_OK
	GET_STATE
	ANSWER_STATE
	SWAP_JOBS
	SWAP_JOBS_OK
	COUNT_RUNNING
	KILL_ALL
	GET_LABEL
	GET_CMD
	GET_GPU_WAIT_TIME
	SET_GPU_WAIT_TIME
	REMINDER
	ENDJOB
	RUNJOB
	RUNJOB_OK
	GET_STATS
	STATS_DATA
)

// ProtocolVersion is incremented on any message-layout change. GET_VERSION
// mismatch terminates the client with a clear error.
const ProtocolVersion int32 = 1

// payloadSize is the size of the fixed union-payload area within Msg. It must
// be large enough to hold the widest variants (Result: two int32 fields and
// three float64 timings; NewJob: eight int32 fields), both exactly 32 bytes.
const payloadSize = 32

// Msg is the fixed-size wire record. UID is always the first field.
// Numeric fields are little-endian, 32-bit signed. The payload area is
// zeroed on construction so uninitialized bytes are never leaked on the
// wire.
type Msg struct {
	UID  int32
	Type Type
	raw  [payloadSize]byte
}

// NewMsg builds a zeroed message stamped with the caller's uid. Every
// outgoing message must originate here — trusting only Type and the
// documented variant fields, never leftover bytes.
func NewMsg(uid int32, t Type) Msg {
	return Msg{UID: uid, Type: t}
}

var (
	// ErrShort is returned when fewer bytes than expected were read.
	ErrShort = errors.New("wire: short read")
	// ErrType is returned when an unexpected type tag is encountered in a
	// given protocol state.
	ErrType = errors.New("wire: unexpected message type")
)

// Encode writes a Msg to w in the fixed binary layout.
func Encode(w io.Writer, m Msg) error {
	if err := binary.Write(w, binary.LittleEndian, m.UID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, m.Type); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, m.raw); err != nil {
		return err
	}
	return nil
}

// Decode reads one Msg from r. A zero-byte read (io.EOF with nothing
// consumed) is reported as io.EOF so callers can distinguish clean
// end-of-connection from a truncated message (ErrShort).
func Decode(r io.Reader) (Msg, error) {
	var m Msg
	var uidBuf [4]byte
	n, err := io.ReadFull(r, uidBuf[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return Msg{}, io.EOF
		}
		return Msg{}, ErrShort
	}
	m.UID = int32(binary.LittleEndian.Uint32(uidBuf[:]))

	var typeBuf [4]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return Msg{}, ErrShort
	}
	m.Type = Type(binary.LittleEndian.Uint32(typeBuf[:]))

	if _, err := io.ReadFull(r, m.raw[:]); err != nil {
		return Msg{}, ErrShort
	}
	return m, nil
}

// --- Typed payload accessors -------------------------------------------------
//
// The raw union area is written/read through these helpers so call sites
// never touch byte offsets directly. Each accessor corresponds to exactly
// one message variant the protocol defines.

func (m *Msg) putInt32At(off int, v int32) {
	binary.LittleEndian.PutUint32(m.raw[off:off+4], uint32(v))
}

func (m *Msg) getInt32At(off int) int32 {
	return int32(binary.LittleEndian.Uint32(m.raw[off : off+4]))
}

func (m *Msg) putFloat64At(off int, v float64) {
	binary.LittleEndian.PutUint64(m.raw[off:off+8], math.Float64bits(v))
}

func (m *Msg) getFloat64At(off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(m.raw[off : off+8]))
}

// SetJobID / JobID: used by INFO, ASK_OUTPUT, REMOVEJOB, WAITJOB,
// WAIT_RUNNING_JOB, URGENT, GET_STATE, GET_LABEL, GET_CMD, and replies
// carrying a single jobid (NEWJOB_OK, LAST_ID).
func (m *Msg) SetJobID(id int32) { m.putInt32At(0, id) }
func (m *Msg) JobID() int32      { return m.getInt32At(0) }

// SetSize / Size: the byte length of a trailing variable payload (LIST_LINE,
// INFO_DATA framing, ofilename, command, label, environment).
func (m *Msg) SetSize(n int32) { m.putInt32At(4, n) }
func (m *Msg) Size() int32     { return m.getInt32At(4) }

// SetMaxSlots / MaxSlots: SET_MAX_SLOTS, GET_MAX_SLOTS_OK.
func (m *Msg) SetMaxSlots(n int32) { m.putInt32At(0, n) }
func (m *Msg) MaxSlots() int32     { return m.getInt32At(0) }

// SetGPUWaitTime / GPUWaitTime: SET_GPU_WAIT_TIME request and
// GET_GPU_WAIT_TIME reply.
func (m *Msg) SetGPUWaitTime(seconds int32) { m.putInt32At(8, seconds) }
func (m *Msg) GPUWaitTime() int32           { return m.getInt32At(8) }

// SetVersion / Version: GET_VERSION / VERSION.
func (m *Msg) SetVersion(v int32) { m.putInt32At(0, v) }
func (m *Msg) Version() int32     { return m.getInt32At(0) }

// SetTermWidth / TermWidth: LIST request.
func (m *Msg) SetTermWidth(w int32) { m.putInt32At(0, w) }
func (m *Msg) TermWidth() int32     { return m.getInt32At(0) }

// SetCountRunning / CountRunning: COUNT_RUNNING reply (also the header of the
// KILL_ALL PID stream).
func (m *Msg) SetCountRunning(n int32) { m.putInt32At(0, n) }
func (m *Msg) CountRunning() int32     { return m.getInt32At(0) }

// SetState / State: ANSWER_STATE reply.
func (m *Msg) SetState(s int32) { m.putInt32At(0, s) }
func (m *Msg) State() int32     { return m.getInt32At(0) }

// Swap payload: SWAP_JOBS request carries two jobids.
func (m *Msg) SetSwapJobIDs(a, b int32) { m.putInt32At(0, a); m.putInt32At(4, b) }
func (m *Msg) SwapJobIDs() (int32, int32) {
	return m.getInt32At(0), m.getInt32At(4)
}

// NewJob payload: request-side fields for NEWJOB. Variable-length fields
// (command/label/environment/gpu_nums/depend_on) are sent as separate
// trailing byte payloads, each preceded by its size here.
func (m *Msg) SetNewJob(nj NewJobFields) {
	m.putInt32At(0, nj.CommandSize)
	m.putInt32At(4, nj.LabelSize)
	m.putInt32At(8, nj.EnvSize)
	m.putInt32At(12, boolToInt32(nj.StoreOutput))
	m.putInt32At(16, boolToInt32(nj.DoDepend))
	m.putInt32At(20, boolToInt32(nj.ShouldKeepFinished))
	m.putInt32At(24, boolToInt32(nj.WaitEnqueuing))
	m.putInt32At(28, nj.NumSlots)
}

func (m *Msg) NewJob() NewJobFields {
	return NewJobFields{
		CommandSize:        m.getInt32At(0),
		LabelSize:          m.getInt32At(4),
		EnvSize:            m.getInt32At(8),
		StoreOutput:        m.getInt32At(12) != 0,
		DoDepend:           m.getInt32At(16) != 0,
		ShouldKeepFinished: m.getInt32At(20) != 0,
		WaitEnqueuing:      m.getInt32At(24) != 0,
		NumSlots:           m.getInt32At(28),
	}
}

// NewJobFields holds the fixed portion of a NEWJOB request. GPU request
// fields travel on a second fixed record (SetGPURequest below) sent immediately
// after, keeping each record within payloadSize.
type NewJobFields struct {
	CommandSize        int32
	LabelSize          int32
	EnvSize            int32
	StoreOutput        bool
	DoDepend           bool
	ShouldKeepFinished bool
	WaitEnqueuing      bool
	NumSlots           int32
}

// SetGPURequest / GPURequest: second NEWJOB record — GPU count, wait flag,
// and whether an explicit gpu_nums override follows as a trailing payload.
func (m *Msg) SetGPURequest(numGPUs int32, wait bool, hasOverride bool, overrideSize int32, dependCount int32) {
	m.putInt32At(0, numGPUs)
	m.putInt32At(4, boolToInt32(wait))
	m.putInt32At(8, boolToInt32(hasOverride))
	m.putInt32At(12, overrideSize)
	m.putInt32At(16, boolToInt32(false)) // requireElevel set separately below
	m.putInt32At(20, dependCount)
}

func (m *Msg) SetRequireElevel(v bool) { m.putInt32At(16, boolToInt32(v)) }
func (m *Msg) RequireElevel() bool     { return m.getInt32At(16) != 0 }

func (m *Msg) GPURequest() (numGPUs int32, wait bool, hasOverride bool, overrideSize int32, dependCount int32) {
	return m.getInt32At(0), m.getInt32At(4) != 0, m.getInt32At(8) != 0, m.getInt32At(12), m.getInt32At(20)
}

// Output payload: RUNJOB_OK request (client → daemon) and ANSWER_OUTPUT reply.
func (m *Msg) SetOutput(storeOutput bool, pid int32, ofilenameSize int32) {
	m.putInt32At(0, boolToInt32(storeOutput))
	m.putInt32At(4, pid)
	m.putInt32At(8, ofilenameSize)
}

func (m *Msg) Output() (storeOutput bool, pid int32, ofilenameSize int32) {
	return m.getInt32At(0) != 0, m.getInt32At(4), m.getInt32At(8)
}

// Result payload: ENDJOB request and WAITJOB_OK reply.
func (m *Msg) SetResult(errorlevel int32, userMs, systemMs, realMs float64, skipped bool) {
	m.putInt32At(0, errorlevel)
	m.putFloat64At(8, userMs)
	m.putFloat64At(16, systemMs)
	m.putFloat64At(24, realMs)
	m.putInt32At(4, boolToInt32(skipped))
}

func (m *Msg) Result() (errorlevel int32, userMs, systemMs, realMs float64, skipped bool) {
	return m.getInt32At(0), m.getFloat64At(8), m.getFloat64At(16), m.getFloat64At(24), m.getInt32At(4) != 0
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
