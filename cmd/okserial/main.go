// Command okserial is a small CLI around the serial package: list
// ports, print the one a match expression resolves to, or open it and
// echo bytes between the port and stdio. Exit codes distinguish no
// match (1), ambiguous match (2), a bad match expression (3), and an
// I/O or locking failure (4), so scripts can branch on them (§8).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	okserial "github.com/okserial/serial"
	"github.com/okserial/serial/errs"
	"github.com/okserial/serial/match"
	"github.com/okserial/serial/portattr"
	"github.com/okserial/serial/portlock"
)

const (
	exitOK             = 0
	exitNoMatch        = 1
	exitAmbiguousMatch = 2
	exitParseError     = 3
	exitIOError        = 4
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "okserial",
		Short:         "Enumerate, locate, and talk to host serial ports",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logLevel != "" {
				_ = os.Setenv("OK_LOGGING_LEVEL", logLevel)
				if lvl, err := zerolog.ParseLevel(strings.ToLower(logLevel)); err == nil {
					okserial.Log = okserial.Log.Level(lvl)
				}
			}
			viper.SetEnvPrefix("OK")
			viper.AutomaticEnv()
		},
	}
	root.PersistentFlags().StringVarP(&logLevel, "log-level", "v", "", "override OK_LOGGING_LEVEL (trace|debug|info|warn|error)")

	root.AddCommand(newListCmd(), newFindCmd(), newOpenCmd())
	return root
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every serial port currently present",
		RunE: func(cmd *cobra.Command, args []string) error {
			en, err := portattr.NewEnumerator()
			if err != nil {
				return err
			}
			ports, err := en.Enumerate(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p.Device())
				for _, k := range p.Keys() {
					if k == portattr.KeyDevice {
						continue
					}
					v, _ := p.Get(k)
					fmt.Fprintf(cmd.OutOrStdout(), "  %s=%s\n", k, v)
				}
			}
			return nil
		},
	}
}

func newFindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find <match-expression>",
		Short: "Print the single device matching an expression, or fail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			en, err := portattr.NewEnumerator()
			if err != nil {
				return err
			}
			ports, err := en.Enumerate(cmd.Context())
			if err != nil {
				return err
			}
			m, err := match.Compile(args[0])
			if err != nil {
				return err
			}
			picked, err := m.SelectOne(ports)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), picked.Device())
			return nil
		},
	}
}

func newOpenCmd() *cobra.Command {
	var baud int
	var sharing string
	var readTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "open <match-expression>",
		Short: "Open the matching port and pipe stdin/stdout through it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			en, err := portattr.NewEnumerator()
			if err != nil {
				return err
			}

			opts := okserial.DefaultOptions(baud)
			opts.ReadTimeout = readTimeout
			opts.Sharing = portlock.Sharing(strings.ToLower(sharing))

			conn, err := okserial.OpenMatch(cmd.Context(), en, args[0], opts)
			if err != nil {
				return err
			}
			defer conn.Close()

			return pipe(cmd.Context(), conn)
		},
	}
	cmd.Flags().IntVar(&baud, "baud", 115200, "line speed")
	cmd.Flags().StringVar(&sharing, "sharing", "polite", "sharing policy: oblivious|polite|exclusive|stomp")
	cmd.Flags().DurationVar(&readTimeout, "read-timeout", 500*time.Millisecond, "engine read-loop timeout")
	return cmd
}

func pipe(ctx context.Context, conn *okserial.Connection) error {
	errCh := make(chan error, 2)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(ctx, buf[:n]); werr != nil {
					errCh <- werr
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					errCh <- err
				}
				return
			}
		}
	}()

	go func() {
		for {
			data, err := conn.ReadSync(ctx, 4096)
			if len(data) > 0 {
				os.Stdout.Write(data)
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func exitCodeFor(err error) int {
	switch {
	case errs.Is(err, errs.KindParse):
		return exitParseError
	case errs.Is(err, errs.KindNoMatch):
		return exitNoMatch
	case errs.Is(err, errs.KindAmbiguousMatch):
		return exitAmbiguousMatch
	case err != nil:
		return exitIOError
	default:
		return exitOK
	}
}
