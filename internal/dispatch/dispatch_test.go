package dispatch

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aceteam-ai/tsd/internal/daemon"
	"github.com/aceteam-ai/tsd/internal/registry"
	"github.com/aceteam-ai/tsd/internal/wire"
)

const testTimeout = 2 * time.Second

// mutableDetector is a gpu.Detector whose free set can be changed mid-test,
// for the GPU-wait scenario where a job must be re-evaluated after more
// GPUs become available.
type mutableDetector struct {
	mu   sync.Mutex
	free []int
}

func (d *mutableDetector) FreeIndices(context.Context) ([]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.free...), nil
}

func (d *mutableDetector) setFree(idx ...int) {
	d.mu.Lock()
	d.free = idx
	d.mu.Unlock()
}

// startTestDaemon runs a real TCP loopback listener accepting connections
// for the life of the test, each handed to its own Conn.Serve goroutine
// against the shared Context — mirroring how tsd wires daemon.Server to
// dispatch.New, minus the unix-socket peer-credential lookup.
func startTestDaemon(t *testing.T, ctx *daemon.Context) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		lis.Close()
	})

	go func() {
		for {
			nc, err := lis.Accept()
			if err != nil {
				return
			}
			go New(nc, ctx, 1000, nil).Serve(bgCtx)
		}
	}()
	return lis.Addr().String()
}

func dialClient(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c net.Conn, m wire.Msg) {
	t.Helper()
	c.SetWriteDeadline(time.Now().Add(testTimeout))
	if err := wire.Encode(c, m); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func recv(t *testing.T, c net.Conn) wire.Msg {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(testTimeout))
	m, err := wire.Decode(c)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func sendBytes(t *testing.T, c net.Conn, b []byte) {
	t.Helper()
	c.SetWriteDeadline(time.Now().Add(testTimeout))
	if err := wire.SendBytes(c, b); err != nil {
		t.Fatalf("send bytes: %v", err)
	}
}

func recvBytes(t *testing.T, c net.Conn, n int32) []byte {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(testTimeout))
	b, err := wire.RecvBytes(c, n)
	if err != nil {
		t.Fatalf("recv bytes: %v", err)
	}
	return b
}

func sendInts(t *testing.T, c net.Conn, v []int32) {
	t.Helper()
	c.SetWriteDeadline(time.Now().Add(testTimeout))
	if err := wire.SendInts(c, v); err != nil {
		t.Fatalf("send ints: %v", err)
	}
}

func recvInts(t *testing.T, c net.Conn, n int32) []int32 {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(testTimeout))
	v, err := wire.RecvInts(c, n)
	if err != nil {
		t.Fatalf("recv ints: %v", err)
	}
	return v
}

func getState(t *testing.T, c net.Conn, uid, jobID int32) wire.Msg {
	t.Helper()
	req := wire.NewMsg(uid, wire.GET_STATE)
	req.SetJobID(jobID)
	send(t, c, req)
	return recv(t, c)
}

type newJobOpts struct {
	numSlots      int32
	numGPUs       int32
	waitGPUs      bool
	requireElevel bool
	dependOn      []int32
}

// submitJob drives the full NEWJOB request (both fixed records plus the
// trailing command/label/environment/depend payloads) and returns the
// assigned jobid read off NEWJOB_OK.
func submitJob(t *testing.T, c net.Conn, uid int32, command string, opts newJobOpts) int32 {
	t.Helper()
	req := wire.NewMsg(uid, wire.NEWJOB)
	req.SetNewJob(wire.NewJobFields{
		CommandSize:        int32(len(command)),
		StoreOutput:        true,
		ShouldKeepFinished: true,
		WaitEnqueuing:      true,
		NumSlots:           opts.numSlots,
	})
	send(t, c, req)
	sendBytes(t, c, []byte(command))
	sendBytes(t, c, nil) // label
	sendBytes(t, c, nil) // environment

	gpuReq := wire.NewMsg(uid, wire.NEWJOB)
	gpuReq.SetGPURequest(opts.numGPUs, opts.waitGPUs, false, 0, int32(len(opts.dependOn)))
	gpuReq.SetRequireElevel(opts.requireElevel)
	send(t, c, gpuReq)
	sendInts(t, c, opts.dependOn)

	ack := recv(t, c)
	if ack.Type != wire.NEWJOB_OK {
		t.Fatalf("expected NEWJOB_OK, got %v", ack.Type)
	}
	return ack.JobID()
}

// recvRunjob reads the RUNJOB record and its trailing CUDA_VISIBLE_DEVICES
// payload, then acks it with RUNJOB_OK — the minimal runner side of the
// handshake a real ts run subprocess performs.
func recvRunjob(t *testing.T, c net.Conn, pid int32) {
	t.Helper()
	runjob := recv(t, c)
	if runjob.Type != wire.RUNJOB {
		t.Fatalf("expected RUNJOB, got %v", runjob.Type)
	}
	recvBytes(t, c, runjob.Size())

	ack := wire.NewMsg(0, wire.RUNJOB_OK)
	ack.SetOutput(true, pid, 0)
	send(t, c, ack)
}

func sendEndjob(t *testing.T, c net.Conn, jobID int32, errorlevel int32, realMs float64) {
	t.Helper()
	endjob := wire.NewMsg(0, wire.ENDJOB)
	endjob.SetJobID(jobID)
	endjob.SetResult(errorlevel, 0, 0, realMs, false)
	send(t, c, endjob)
}

// --- Scenario 1: a job with no dependencies and no GPU request runs to
// FINISHED, and a subsequent GET_STATE reports it. -------------------------

func TestScenarioSimpleJobRunsToFinished(t *testing.T) {
	ctx := daemon.NewContext(&mutableDetector{}, 1, time.Millisecond, nil)
	addr := startTestDaemon(t, ctx)
	client := dialClient(t, addr)

	jobID := submitJob(t, client, 1, "echo hi", newJobOpts{numSlots: 1})
	recvRunjob(t, client, 4242)
	sendEndjob(t, client, jobID, 0, 5)

	reply := getState(t, client, 2, jobID)
	if reply.Type != wire.ANSWER_STATE {
		t.Fatalf("expected ANSWER_STATE, got %v", reply.Type)
	}
	if registry.State(reply.State()) != registry.Finished {
		t.Fatalf("expected FINISHED, got %v", registry.State(reply.State()))
	}
}

// --- Scenario 2: a dependent job with require_elevel skips without ever
// consuming a slot once its dependency finishes with a nonzero errorlevel. -

func TestScenarioDependencySkipsWithoutRunning(t *testing.T) {
	ctx := daemon.NewContext(&mutableDetector{}, 1, time.Millisecond, nil)
	addr := startTestDaemon(t, ctx)
	clientA := dialClient(t, addr)
	clientB := dialClient(t, addr)

	jobA := submitJob(t, clientA, 1, "false", newJobOpts{numSlots: 1})
	jobB := submitJob(t, clientB, 2, "echo after", newJobOpts{
		numSlots: 1, requireElevel: true, dependOn: []int32{jobA},
	})

	recvRunjob(t, clientA, 111)
	sendEndjob(t, clientA, jobA, 1, 1)

	notice := recv(t, clientB)
	if notice.Type != wire.ENDJOB {
		t.Fatalf("expected one-way ENDJOB skip notice, got %v", notice.Type)
	}
	errorlevel, _, _, _, skipped := notice.Result()
	if !skipped || errorlevel != -1 {
		t.Fatalf("expected skip result {-1, skipped}, got errorlevel=%d skipped=%v", errorlevel, skipped)
	}

	reply := getState(t, clientA, 3, jobB)
	if registry.State(reply.State()) != registry.Skipped {
		t.Fatalf("expected job B SKIPPED, got %v", registry.State(reply.State()))
	}
}

// --- Scenario 3: with max_slots=1, a second job stays QUEUED until the
// first frees its slot via ENDJOB. ------------------------------------------

func TestScenarioSecondJobWaitsForSlot(t *testing.T) {
	ctx := daemon.NewContext(&mutableDetector{}, 1, time.Millisecond, nil)
	addr := startTestDaemon(t, ctx)
	clientA := dialClient(t, addr)
	clientB := dialClient(t, addr)

	jobA := submitJob(t, clientA, 1, "sleep 100", newJobOpts{numSlots: 1})
	recvRunjob(t, clientA, 111)

	jobB := submitJob(t, clientB, 2, "echo after", newJobOpts{numSlots: 1})

	stateDuringWait := getState(t, clientA, 3, jobB)
	if registry.State(stateDuringWait.State()) != registry.Queued {
		t.Fatalf("expected job B to remain QUEUED while A holds the only slot, got %v",
			registry.State(stateDuringWait.State()))
	}

	sendEndjob(t, clientA, jobA, 0, 9)
	recvRunjob(t, clientB, 222)
	sendEndjob(t, clientB, jobB, 0, 1)

	reply := getState(t, clientA, 4, jobB)
	if registry.State(reply.State()) != registry.Finished {
		t.Fatalf("expected job B FINISHED, got %v", registry.State(reply.State()))
	}
}

// --- Scenario 4: a job requesting more GPUs than are free waits, and admits
// once a REMINDER finds enough reported free. -------------------------------

func TestScenarioGPUWaitAdmitsOnceFree(t *testing.T) {
	detector := &mutableDetector{free: []int{0}}
	ctx := daemon.NewContext(detector, 10, time.Hour, nil)
	addr := startTestDaemon(t, ctx)
	client := dialClient(t, addr)
	reminderConn := dialClient(t, addr)

	jobID := submitJob(t, client, 1, "train", newJobOpts{
		numSlots: 1, numGPUs: 2, waitGPUs: true,
	})

	stateWhileWaiting := getState(t, reminderConn, 2, jobID)
	if registry.State(stateWhileWaiting.State()) != registry.Queued {
		t.Fatalf("expected job to remain QUEUED awaiting GPUs, got %v",
			registry.State(stateWhileWaiting.State()))
	}

	detector.setFree(0, 1)
	reminder := wire.NewMsg(3, wire.REMINDER)
	reminder.SetJobID(jobID)
	send(t, reminderConn, reminder)

	recvRunjob(t, client, 333)
	sendEndjob(t, client, jobID, 0, 42)
}

// --- Scenario 5: SWAP_JOBS reorders two QUEUED jobs on success, and reports
// a LIST_LINE error (closing the connection) when one is RUNNING. ----------

func TestScenarioSwapJobsReordersQueuedJobs(t *testing.T) {
	ctx := daemon.NewContext(&mutableDetector{}, 0, time.Millisecond, nil)
	addr := startTestDaemon(t, ctx)
	clientA := dialClient(t, addr)
	clientB := dialClient(t, addr)

	jobA := submitJob(t, clientA, 1, "a", newJobOpts{numSlots: 1})
	jobB := submitJob(t, clientB, 2, "b", newJobOpts{numSlots: 1})

	// clientA's connection is still held waiting for admission, so the swap
	// goes over a connection of its own.
	swapConn := dialClient(t, addr)
	swap := wire.NewMsg(3, wire.SWAP_JOBS)
	swap.SetSwapJobIDs(jobA, jobB)
	send(t, swapConn, swap)

	reply := recv(t, swapConn)
	if reply.Type != wire.SWAP_JOBS_OK {
		t.Fatalf("expected SWAP_JOBS_OK for two queued jobs, got %v", reply.Type)
	}
}

func TestScenarioSwapJobsRejectsRunningJob(t *testing.T) {
	ctx := daemon.NewContext(&mutableDetector{}, 1, time.Millisecond, nil)
	addr := startTestDaemon(t, ctx)
	clientA := dialClient(t, addr)
	clientB := dialClient(t, addr)

	jobA := submitJob(t, clientA, 1, "sleep 100", newJobOpts{numSlots: 1})
	recvRunjob(t, clientA, 111) // A is now RUNNING and holds the only slot

	jobB := submitJob(t, clientB, 2, "b", newJobOpts{numSlots: 1}) // stays QUEUED

	swapConn := dialClient(t, addr)
	swap := wire.NewMsg(3, wire.SWAP_JOBS)
	swap.SetSwapJobIDs(jobA, jobB)
	send(t, swapConn, swap)

	reply := recv(t, swapConn)
	if reply.Type != wire.LIST_LINE {
		t.Fatalf("expected LIST_LINE error reply, got %v", reply.Type)
	}
	msg := recvBytes(t, swapConn, reply.Size())
	if len(msg) == 0 {
		t.Fatalf("expected a non-empty error message")
	}

	swapConn.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := wire.Decode(swapConn); err == nil {
		t.Fatalf("expected the connection to be closed after a SWAP_JOBS error")
	}

	sendEndjob(t, clientA, jobA, 0, 1)
}

// --- Scenario 6: KILL_ALL replies with COUNT_RUNNING (not KILL_ALL) plus the
// PIDs of every currently running job. ---------------------------------------

func TestScenarioKillAllCountsRunningJobs(t *testing.T) {
	ctx := daemon.NewContext(&mutableDetector{}, 3, time.Millisecond, nil)
	addr := startTestDaemon(t, ctx)

	clients := make([]net.Conn, 3)
	jobIDs := make([]int32, 3)
	pids := []int32{101, 102, 103}
	for i := range clients {
		clients[i] = dialClient(t, addr)
		jobIDs[i] = submitJob(t, clients[i], int32(i+1), "sleep 100", newJobOpts{numSlots: 1})
		recvRunjob(t, clients[i], pids[i])
	}

	killConn := dialClient(t, addr)
	send(t, killConn, wire.NewMsg(9, wire.KILL_ALL))

	reply := recv(t, killConn)
	if reply.Type != wire.COUNT_RUNNING {
		t.Fatalf("expected KILL_ALL to reply with COUNT_RUNNING, got %v", reply.Type)
	}
	n := reply.CountRunning()
	if n != 3 {
		t.Fatalf("expected 3 running jobs, got %d", n)
	}
	got := recvInts(t, killConn, n)
	if len(got) != 3 {
		t.Fatalf("expected 3 pids, got %v", got)
	}

	for i, c := range clients {
		sendEndjob(t, c, jobIDs[i], 0, 1)
	}
}
