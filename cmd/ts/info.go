package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/tsd/internal/wire"
)

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <job-id>",
		Short: "Print full detail for a single job",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
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

	req := c.NewMsg(wire.INFO)
	req.SetJobID(jobID)
	if err := c.Send(req); err != nil {
		return err
	}

	reply, err := c.Recv()
	if err != nil {
		return fmt.Errorf("ts: no reply to INFO: %w", err)
	}
	if reply.Type != wire.INFO_DATA {
		return fmt.Errorf("ts: unexpected reply to INFO (type %d)", reply.Type)
	}
	body, err := c.RecvBytes(reply.Size())
	if err != nil {
		return err
	}
	fmt.Print(string(body))
	return nil
}
