package runner

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestRunCapturesExitCode(t *testing.T) {
	res, err := Run(context.Background(), Request{Command: "exit 7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Errorlevel != 7 {
		t.Fatalf("expected errorlevel 7, got %d", res.Errorlevel)
	}
}

func TestRunStoresOutputWhenRequested(t *testing.T) {
	res, err := Run(context.Background(), Request{Command: "echo hello", StoreOutput: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OutputFilename == "" {
		t.Fatalf("expected an output filename")
	}
	defer os.Remove(res.OutputFilename)

	data, err := os.ReadFile(res.OutputFilename)
	if err != nil {
		t.Fatalf("unexpected error reading output: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Fatalf("expected captured output to contain hello, got %q", data)
	}
}

func TestRunPropagatesCUDAVisibleDevices(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Command:         `test "$CUDA_VISIBLE_DEVICES" = "0,1"`,
		CUDAVisibleDevs: "0,1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Errorlevel != 0 {
		t.Fatalf("expected CUDA_VISIBLE_DEVICES to be set, got errorlevel %d", res.Errorlevel)
	}
}
