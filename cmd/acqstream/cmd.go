package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/norasector/acqstream/pkg/acqstream/client"
)

func newCmdCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "cmd <command> [args...]",
		Short: "Send one control command and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			cc, err := client.DialCommand(ctx, addr)
			if err != nil {
				return err
			}
			defer cc.Close()

			resp, err := cc.Do(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), resp.Payload); err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("%s failed", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:4217", "command server address")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "time to wait for the response")
	return cmd
}
