package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/tsd/internal/runner"
	"github.com/aceteam-ai/tsd/internal/wire"
)

var (
	runLabel         string
	runNoStoreOutput bool
	runSlots         int32
	runGPUs          int32
	runWaitGPUs      bool
	runGPUOverride   string
	runDependOn      []string
	runRequireElevel bool
	runKeepFinished  bool
	runTTY           bool
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run -- <command...>",
		Short: "Submit a job and, once admitted, execute it",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRun,
	}
	cmd.Flags().StringVarP(&runLabel, "label", "L", "", "label shown in ts list")
	cmd.Flags().BoolVarP(&runNoStoreOutput, "no-store-output", "n", false, "stream to stdout instead of capturing to a file")
	cmd.Flags().Int32VarP(&runSlots, "slots", "N", 1, "concurrency slots this job occupies")
	cmd.Flags().Int32VarP(&runGPUs, "gpus", "G", 0, "number of GPUs to reserve")
	cmd.Flags().BoolVar(&runWaitGPUs, "wait-gpus", false, "block until enough GPUs are free instead of skipping")
	cmd.Flags().StringVar(&runGPUOverride, "gpu-nums", "", "comma-separated explicit GPU indices (overrides --gpus selection)")
	cmd.Flags().StringSliceVarP(&runDependOn, "depend-on", "d", nil, "job ids this job depends on (-1 means the most recently submitted)")
	cmd.Flags().BoolVar(&runRequireElevel, "require-elevel", false, "skip this job if any dependency exited non-zero")
	cmd.Flags().BoolVarP(&runKeepFinished, "keep-finished", "k", false, "keep the job listed after CLEAR_FINISHED")
	cmd.Flags().BoolVar(&runTTY, "pty", false, "run the command under a pseudo-tty")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := checkVersion(c); err != nil {
		return err
	}

	command := strings.Join(args, " ")
	label := runLabel
	env := ""

	var gpuOverride []int32
	if runGPUOverride != "" {
		for _, tok := range strings.Split(runGPUOverride, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(tok))
			if err != nil {
				return fmt.Errorf("ts: invalid --gpu-nums entry %q: %w", tok, err)
			}
			gpuOverride = append(gpuOverride, int32(n))
		}
	}

	var dependOn []int32
	for _, tok := range runDependOn {
		n, err := strconv.Atoi(strings.TrimSpace(tok))
		if err != nil {
			return fmt.Errorf("ts: invalid --depend-on entry %q: %w", tok, err)
		}
		dependOn = append(dependOn, int32(n))
	}

	req := c.NewMsg(wire.NEWJOB)
	req.SetNewJob(wire.NewJobFields{
		CommandSize:        int32(len(command)),
		LabelSize:          int32(len(label)),
		EnvSize:            int32(len(env)),
		StoreOutput:        !runNoStoreOutput,
		DoDepend:           len(dependOn) > 0,
		ShouldKeepFinished: runKeepFinished,
		WaitEnqueuing:      true,
		NumSlots:           runSlots,
	})
	if err := c.Send(req); err != nil {
		return err
	}
	if err := c.SendBytes([]byte(command)); err != nil {
		return err
	}
	if err := c.SendBytes([]byte(label)); err != nil {
		return err
	}
	if err := c.SendBytes([]byte(env)); err != nil {
		return err
	}

	gpuReq := c.NewMsg(wire.NEWJOB)
	gpuReq.SetGPURequest(runGPUs, runWaitGPUs, len(gpuOverride) > 0, int32(len(gpuOverride)), int32(len(dependOn)))
	gpuReq.SetRequireElevel(runRequireElevel)
	if err := c.Send(gpuReq); err != nil {
		return err
	}
	if len(gpuOverride) > 0 {
		if err := c.SendInts(gpuOverride); err != nil {
			return err
		}
	}
	if err := c.SendInts(dependOn); err != nil {
		return err
	}

	ack, err := c.Recv()
	if err != nil {
		return fmt.Errorf("ts: no reply to NEWJOB: %w", err)
	}
	if ack.Type != wire.NEWJOB_OK {
		return fmt.Errorf("ts: unexpected reply to NEWJOB (type %d)", ack.Type)
	}
	jobID := ack.JobID()
	fmt.Printf("job id is %d\n", jobID)

	// Block for the daemon's next instruction on this same connection: either
	// RUNJOB (admitted, execute now) or a one-way ENDJOB notice (the job was
	// skipped before ever running, e.g. a failed dependency).
	next, err := c.Recv()
	if err != nil {
		return fmt.Errorf("ts: connection closed waiting for admission: %w", err)
	}

	switch next.Type {
	case wire.ENDJOB:
		_, _, _, _, skipped := next.Result()
		if skipped {
			fmt.Println("job skipped (failed dependency or not enough free GPUs)")
		}
		return nil
	case wire.RUNJOB:
		return execAndReport(ctx, c, next, command, env)
	default:
		return fmt.Errorf("ts: unexpected message type %d while waiting for admission", next.Type)
	}
}

func execAndReport(ctx context.Context, c interface {
	SendBytes([]byte) error
	RecvBytes(int32) ([]byte, error)
	Send(wire.Msg) error
	Recv() (wire.Msg, error)
	NewMsg(wire.Type) wire.Msg
}, runjob wire.Msg, command, env string) error {
	cudaSize := runjob.Size()
	cudaDevs, err := c.RecvBytes(cudaSize)
	if err != nil {
		return err
	}

	req := runner.Request{
		Command:         command,
		Environment:     env,
		StoreOutput:     !runNoStoreOutput,
		CUDAVisibleDevs: string(cudaDevs),
		UseTTY:          runTTY,
	}
	res, err := runner.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("ts: exec failed: %w", err)
	}

	ack := c.NewMsg(wire.RUNJOB_OK)
	ack.SetOutput(req.StoreOutput, res.PID, int32(len(res.OutputFilename)))
	if err := c.Send(ack); err != nil {
		return err
	}
	if len(res.OutputFilename) > 0 {
		if err := c.SendBytes([]byte(res.OutputFilename)); err != nil {
			return err
		}
	}

	endjob := c.NewMsg(wire.ENDJOB)
	endjob.SetJobID(runjob.JobID())
	endjob.SetResult(res.Errorlevel, res.UserMs, res.SystemMs, res.RealMs, false)
	return c.Send(endjob)
}
