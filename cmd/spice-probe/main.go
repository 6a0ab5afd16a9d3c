// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Command spice-probe links one or more channels of a SPICE server and
// reports what each channel negotiated.
//
//	spice-probe --host 10.0.0.5 --port 5900 main display inputs
//	SPICE_PASSWORD=secret spice-probe -o yaml --logger zerolog main
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	spice "github.com/tenthirtyam/go-spice"
)

// errProbeFailed is returned when at least one channel failed to link.
var errProbeFailed = errors.New("one or more channels failed to link")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errProbeFailed) {
			fmt.Fprintln(os.Stderr, "spice-probe:", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "spice-probe [flags] [channel[:id]...]",
		Short:         "Link SPICE channels and report the negotiated parameters",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, cmd.Flags(), args)
			if err != nil {
				return err
			}
			return runProbe(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	bindFlags(cmd.Flags())
	return cmd
}

// runProbe links the main channel first, as a SPICE client must, and then
// the remaining channels concurrently.
func runProbe(ctx context.Context, cfg *probeConfig, out, logOut io.Writer) error {
	logger, err := cfg.newLogger(logOut)
	if err != nil {
		return err
	}
	opts, err := cfg.sessionOptions(logger)
	if err != nil {
		return err
	}
	keys, err := cfg.channelKeys()
	if err != nil {
		return err
	}

	session, err := spice.NewSession(cfg.Host, cfg.Port, []byte(cfg.Password), opts...)
	if err != nil {
		return oops.Wrapf(err, "create session")
	}
	defer func() {
		if err := session.EndSession(); err != nil {
			logger.Warn("Session teardown reported errors", spice.Field{Key: "error", Value: err})
		}
	}()

	policy := spice.RetryPolicy{Attempts: max(cfg.Retries, 1), Interval: cfg.RetryInterval}
	results := make([]spice.JoinResult, 0, len(keys))

	rest := keys
	if keys[0].Type == spice.ChannelMain {
		ch, err := session.JoinChannelWithRetry(ctx, keys[0], policy)
		results = append(results, spice.JoinResult{Key: keys[0], Conn: ch, Err: err})
		rest = keys[1:]
	}
	if len(rest) > 0 {
		joined, _ := session.JoinChannels(ctx, rest, cfg.Concurrency)
		results = append(results, joined...)
	}

	rep := buildReport(session, results)
	if err := rep.write(out, cfg.Output); err != nil {
		return oops.Wrapf(err, "write report")
	}
	if rep.Failed > 0 {
		return errProbeFailed
	}
	return nil
}
