package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/tsd/internal/registry"
	"github.com/aceteam-ai/tsd/internal/runner"
	"github.com/aceteam-ai/tsd/internal/wire"
)

// --- REMOVEJOB ---------------------------------------------------------------

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Remove a queued or finished job from the registry",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemove,
	}
}

func runRemove(cmd *cobra.Command, args []string) error {
	jobID, err := parseJobID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := checkVersion(c); err != nil {
		return err
	}

	req := c.NewMsg(wire.REMOVEJOB)
	req.SetJobID(jobID)
	if err := c.Send(req); err != nil {
		return err
	}
	reply, err := c.Recv()
	if err != nil {
		return fmt.Errorf("ts: no reply to REMOVEJOB: %w", err)
	}
	if reply.Type == wire.LIST_LINE {
		msg, err := c.RecvBytes(reply.Size())
		if err != nil {
			return err
		}
		return fmt.Errorf("ts: %s", strings.TrimSpace(string(msg)))
	}
	switch registry.RemoveResult(reply.State()) {
	case registry.RemoveOK:
		return nil
	case registry.RemoveBusy:
		return fmt.Errorf("ts: job %d is running, cannot be removed", jobID)
	default:
		return fmt.Errorf("ts: job %d not found", jobID)
	}
}

// --- WAITJOB / WAIT_RUNNING_JOB -----------------------------------------------

var waitRunning bool

func waitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Block until a job finishes (or starts running, with --running)",
		Args:  cobra.ExactArgs(1),
		RunE:  runWait,
	}
	cmd.Flags().BoolVar(&waitRunning, "running", false, "return as soon as the job leaves the queue instead of waiting for it to finish")
	return cmd
}

func runWait(cmd *cobra.Command, args []string) error {
	jobID, err := parseJobID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := checkVersion(c); err != nil {
		return err
	}

	reqType := wire.WAITJOB
	if waitRunning {
		reqType = wire.WAIT_RUNNING_JOB
	}
	req := c.NewMsg(reqType)
	req.SetJobID(jobID)
	if err := c.Send(req); err != nil {
		return err
	}

	reply, err := c.Recv()
	if err != nil {
		return fmt.Errorf("ts: connection dropped waiting on job %d: %w", jobID, err)
	}
	if reply.Type != wire.WAITJOB_OK {
		return fmt.Errorf("ts: unexpected reply (type %d)", reply.Type)
	}
	if !waitRunning {
		errorlevel, userMs, systemMs, realMs, skipped := reply.Result()
		if skipped {
			fmt.Println("job skipped")
		} else {
			fmt.Printf("exit %d (user=%.3fs system=%.3fs real=%.3fs)\n", errorlevel, userMs/1000, systemMs/1000, realMs/1000)
		}
	}
	return nil
}

// --- URGENT --------------------------------------------------------------------

func urgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "urgent <job-id>",
		Short: "Move a queued job to the front of the queue",
		Args:  cobra.ExactArgs(1),
		RunE:  runUrgent,
	}
}

func runUrgent(cmd *cobra.Command, args []string) error {
	jobID, err := parseJobID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := checkVersion(c); err != nil {
		return err
	}

	req := c.NewMsg(wire.URGENT)
	req.SetJobID(jobID)
	if err := c.Send(req); err != nil {
		return err
	}
	reply, err := c.Recv()
	if err != nil {
		return fmt.Errorf("ts: no reply to URGENT: %w", err)
	}
	if reply.Type != wire.URGENT_OK {
		return fmt.Errorf("ts: unexpected reply to URGENT (type %d)", reply.Type)
	}
	return nil
}

// --- KILL_SERVER ---------------------------------------------------------------

func killServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill-server",
		Short: "Shut down the daemon, dumping its queue to a resubmit script first",
		RunE:  runKillServer,
	}
}

func runKillServer(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := checkVersion(c); err != nil {
		return err
	}

	req := c.NewMsg(wire.KILL_SERVER)
	if err := c.Send(req); err != nil {
		return err
	}
	// The daemon never replies to KILL_SERVER — it shuts down the connection
	// as part of shutting itself down. A read here just waits for that EOF.
	_, _ = c.Recv()
	return nil
}

// --- CLEAR_FINISHED --------------------------------------------------------------

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop all finished/skipped jobs that don't have --keep-finished set",
		RunE:  runClear,
	}
}

func runClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := checkVersion(c); err != nil {
		return err
	}

	req := c.NewMsg(wire.CLEAR_FINISHED)
	return c.Send(req)
}

// --- GET_STATS -------------------------------------------------------------------

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print daemon activity counters",
		RunE:  runStats,
	}
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := checkVersion(c); err != nil {
		return err
	}

	req := c.NewMsg(wire.GET_STATS)
	if err := c.Send(req); err != nil {
		return err
	}
	reply, err := c.Recv()
	if err != nil {
		return fmt.Errorf("ts: no reply to GET_STATS: %w", err)
	}
	if reply.Type != wire.STATS_DATA {
		return fmt.Errorf("ts: unexpected reply to GET_STATS (type %d)", reply.Type)
	}
	body, err := c.RecvBytes(reply.Size())
	if err != nil {
		return err
	}
	fmt.Print(string(body))
	return nil
}

// --- SET_MAX_SLOTS / GET_MAX_SLOTS -------------------------------------------------

func maxSlotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "max-slots [n]",
		Short: "Get or set the daemon's concurrency slot count",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runMaxSlots,
	}
}

func runMaxSlots(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := checkVersion(c); err != nil {
		return err
	}

	if len(args) == 0 {
		req := c.NewMsg(wire.GET_MAX_SLOTS)
		if err := c.Send(req); err != nil {
			return err
		}
		reply, err := c.Recv()
		if err != nil {
			return fmt.Errorf("ts: no reply to GET_MAX_SLOTS: %w", err)
		}
		fmt.Println(reply.MaxSlots())
		return nil
	}

	n, err := parseJobID(args[0])
	if err != nil {
		return fmt.Errorf("ts: invalid slot count %q: %w", args[0], err)
	}
	req := c.NewMsg(wire.SET_MAX_SLOTS)
	req.SetMaxSlots(n)
	return c.Send(req)
}

// --- SET_GPU_WAIT_TIME / GET_GPU_WAIT_TIME -----------------------------------------

func gpuWaitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gpu-wait-time [seconds]",
		Short: "Get or set the retry interval for jobs waiting on free GPUs",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runGPUWait,
	}
}

func runGPUWait(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := checkVersion(c); err != nil {
		return err
	}

	if len(args) == 0 {
		req := c.NewMsg(wire.GET_GPU_WAIT_TIME)
		if err := c.Send(req); err != nil {
			return err
		}
		reply, err := c.Recv()
		if err != nil {
			return fmt.Errorf("ts: no reply to GET_GPU_WAIT_TIME: %w", err)
		}
		fmt.Println(reply.GPUWaitTime())
		return nil
	}

	n, err := parseJobID(args[0])
	if err != nil {
		return fmt.Errorf("ts: invalid seconds value %q: %w", args[0], err)
	}
	req := c.NewMsg(wire.SET_GPU_WAIT_TIME)
	req.SetGPUWaitTime(n)
	return c.Send(req)
}

// --- COUNT_RUNNING / KILL_ALL --------------------------------------------------------

func countRunningCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count-running",
		Short: "Print the number of currently running jobs",
		RunE:  runCountRunning,
	}
}

func runCountRunning(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := checkVersion(c); err != nil {
		return err
	}

	req := c.NewMsg(wire.COUNT_RUNNING)
	if err := c.Send(req); err != nil {
		return err
	}
	reply, err := c.Recv()
	if err != nil {
		return fmt.Errorf("ts: no reply to COUNT_RUNNING: %w", err)
	}
	if reply.Type != wire.COUNT_RUNNING {
		return fmt.Errorf("ts: unexpected reply to COUNT_RUNNING (type %d)", reply.Type)
	}
	fmt.Println(reply.CountRunning())
	return nil
}

func killAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill-all",
		Short: "Signal every currently running job",
		RunE:  runKillAll,
	}
}

func runKillAll(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := checkVersion(c); err != nil {
		return err
	}

	req := c.NewMsg(wire.KILL_ALL)
	if err := c.Send(req); err != nil {
		return err
	}
	reply, err := c.Recv()
	if err != nil {
		return fmt.Errorf("ts: no reply to KILL_ALL: %w", err)
	}
	if reply.Type != wire.COUNT_RUNNING {
		return fmt.Errorf("ts: unexpected reply to KILL_ALL (type %d)", reply.Type)
	}
	n := reply.CountRunning()
	pids, err := c.RecvInts(n)
	if err != nil {
		return fmt.Errorf("ts: reading pid stream: %w", err)
	}
	killed := 0
	for _, pid := range pids {
		if err := runner.Kill(pid); err != nil {
			fmt.Fprintf(os.Stderr, "ts: signaling pid %d: %v\n", pid, err)
			continue
		}
		killed++
	}
	fmt.Printf("signaled %d of %d running jobs\n", killed, n)
	return nil
}

// --- LAST_ID -----------------------------------------------------------------------

func lastIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "last-id",
		Short: "Print the most recently assigned job id",
		RunE:  runLastID,
	}
}

func runLastID(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := checkVersion(c); err != nil {
		return err
	}

	req := c.NewMsg(wire.LAST_ID)
	if err := c.Send(req); err != nil {
		return err
	}
	reply, err := c.Recv()
	if err != nil {
		return fmt.Errorf("ts: no reply to LAST_ID: %w", err)
	}
	fmt.Println(reply.JobID())
	return nil
}
