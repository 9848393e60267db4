// Package runner implements the client-side job runner: forking the actual
// command, wiring its stdout/stderr, and reporting timing/exit status back
// to the daemon. It is not part of the daemon process at all — cmd/ts
// invokes it once a connection receives a RUNJOB ticket.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// Request describes one job to execute.
type Request struct {
	Command         string
	Environment     string // newline-separated KEY=VALUE pairs, as submitted
	StoreOutput     bool
	CUDAVisibleDevs string // "-1" when no GPUs were requested (hides every device)
	UseTTY          bool
}

// Result is what gets reported back to the daemon via ENDJOB.
type Result struct {
	Errorlevel     int32
	UserMs         float64
	SystemMs       float64
	RealMs         float64
	PID            int32
	OutputFilename string
}

// Run executes req.Command through /bin/sh -c, capturing output to a temp
// file when StoreOutput is set, and returns timing gathered via gopsutil
// once the process exits (falls back to wall-clock-only timing if gopsutil
// cannot sample the process, e.g. it exits faster than the sampler runs).
func Run(ctx context.Context, req Request) (Result, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", req.Command)
	cmd.Env = append(os.Environ(), splitEnv(req.Environment)...)
	if req.CUDAVisibleDevs != "" {
		cmd.Env = append(cmd.Env, "CUDA_VISIBLE_DEVICES="+req.CUDAVisibleDevs)
	}
	// New process group so ts kill can signal the whole subtree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var outFile *os.File
	var err error
	if req.StoreOutput {
		outFile, err = os.CreateTemp("", "ts-out-*")
		if err != nil {
			return Result{}, fmt.Errorf("runner: create output file: %w", err)
		}
	}

	start := time.Now()
	var pid int32
	var waitErr error

	if req.UseTTY {
		pid, waitErr = runWithPTY(cmd, outFile)
	} else {
		if outFile != nil {
			cmd.Stdout = outFile
			cmd.Stderr = outFile
		} else {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		}
		if err := cmd.Start(); err != nil {
			return Result{}, fmt.Errorf("runner: start: %w", err)
		}
		pid = int32(cmd.Process.Pid)
		waitErr = cmd.Wait()
	}

	realMs := float64(time.Since(start).Milliseconds())
	userMs, systemMs := sampleCPUTimes(pid)

	errorlevel := exitCode(waitErr)

	result := Result{
		Errorlevel: errorlevel,
		UserMs:     userMs,
		SystemMs:   systemMs,
		RealMs:     realMs,
		PID:        pid,
	}
	if outFile != nil {
		result.OutputFilename = outFile.Name()
		outFile.Close()
	}
	return result, nil
}

// Kill sends SIGTERM to an entire process group: the daemon never signals
// anything directly, only this client-side runner does.
func Kill(pid int32) error {
	return unix.Kill(-int(pid), syscall.SIGTERM)
}

func runWithPTY(cmd *exec.Cmd, outFile *os.File) (int32, error) {
	f, err := pty.Start(cmd)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dst := outFile
	if dst == nil {
		dst = os.Stdout
	}
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				dst.Write(buf[:n])
			}
			if err != nil {
				close(done)
				return
			}
		}
	}()

	pid := int32(cmd.Process.Pid)
	err = cmd.Wait()
	<-done
	return pid, err
}

func exitCode(waitErr error) int32 {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return int32(exitErr.ExitCode())
	}
	return -1
}

func sampleCPUTimes(pid int32) (userMs, systemMs float64) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return 0, 0
	}
	times, err := proc.Times()
	if err != nil {
		return 0, 0
	}
	return times.User * 1000, times.System * 1000
}

func splitEnv(blob string) []string {
	if blob == "" {
		return nil
	}
	return strings.Split(blob, "\n")
}
