package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/aceteam-ai/tsd/internal/wire"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List queued, running, and finished jobs",
		RunE:    runList,
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := checkVersion(c); err != nil {
		return err
	}

	req := c.NewMsg(wire.LIST)
	req.SetTermWidth(int32(termWidth()))
	if err := c.Send(req); err != nil {
		return err
	}

	for {
		line, err := c.Recv()
		if err != nil {
			return fmt.Errorf("ts: connection dropped mid-list: %w", err)
		}
		if line.Type != wire.LIST_LINE {
			return fmt.Errorf("ts: unexpected reply to LIST (type %d)", line.Type)
		}
		size := line.Size()
		if size == 0 {
			return nil
		}
		body, err := c.RecvBytes(size)
		if err != nil {
			return err
		}
		fmt.Println(string(body))
	}
}

func termWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 150
}
