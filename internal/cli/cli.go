// Package cli builds the gardend command tree.
//
//	gardend
//	├── serve                 run the daemon (-c config, --env dotenv file)
//	├── cron encode           local window -> UTC recurrence expression
//	├── cron decode           UTC recurrence expression -> local start and days
//	└── version
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gardend/internal/app"
	"gardend/internal/recurrence"
)

// Set with -ldflags "-X gardend/internal/cli.Version=..."
var Version = "dev"

func BuildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:           "gardend",
		Short:         "Garden device scheduler and live device-state relay",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCommand(), buildCronCommand(), buildVersionCommand())
	return root
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gardend:", err)
		return 1
	}
	return 0
}

func buildServeCommand() *cobra.Command {
	var cfgPath, envPath string
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler, device relay and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfgPath, envPath, stopTimeout)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "config file (json or yaml)")
	cmd.Flags().StringVar(&envPath, "env", ".env", "dotenv file with GARDENA_* secrets (missing file is ignored)")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "graceful shutdown limit")
	return cmd
}

func serve(ctx context.Context, cfgPath, envPath string, stopTimeout time.Duration) error {
	a, err := app.NewApp(cfgPath, envPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func buildCronCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Convert between local time windows and stored recurrence expressions",
	}
	cmd.AddCommand(buildCronEncodeCommand(), buildCronDecodeCommand())
	return cmd
}

type encodeResult struct {
	Cron            string `json:"cron"`
	DurationMinutes int    `json:"durationMinutes"`
	Offset          string `json:"offset"`
}

func buildCronEncodeCommand() *cobra.Command {
	var start, end, days string
	var offset time.Duration
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode a local window into a UTC recurrence expression",
		Example: "  gardend cron encode --start 08:00 --end 09:30 --days 1,3 --offset 2h\n" +
			"  gardend cron encode --start 00:30 --end 01:00 --days 0 --offset=-1h",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := encode(start, end, days, offsetFlag(cmd, offset))
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), asJSON, res,
				fmt.Sprintf("%s\t(%d min, %s)", res.Cron, res.DurationMinutes, res.Offset))
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "local start time HH:MM")
	cmd.Flags().StringVar(&end, "end", "", "local end time HH:MM")
	cmd.Flags().StringVar(&days, "days", "", "weekdays 0-6 (0 = Sunday), comma separated")
	cmd.Flags().DurationVar(&offset, "offset", 0, "UTC offset, e.g. 2h or -5h30m (default: this host's zone)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	_ = cmd.MarkFlagRequired("days")
	return cmd
}

// offsetFlag returns --offset when given and the host's current offset otherwise.
func offsetFlag(cmd *cobra.Command, offset time.Duration) recurrence.Offset {
	if cmd.Flags().Changed("offset") {
		return recurrence.Offset(offset)
	}
	return recurrence.OffsetOf(time.Now())
}

func encode(start, end, days string, off recurrence.Offset) (encodeResult, error) {
	s, err := recurrence.ParseClock(start)
	if err != nil {
		return encodeResult{}, err
	}
	e, err := recurrence.ParseClock(end)
	if err != nil {
		return encodeResult{}, err
	}
	wd, err := recurrence.ParseWeekdays(days)
	if err != nil {
		return encodeResult{}, err
	}
	enc, err := recurrence.Encode(recurrence.Window{Start: s, End: e, Days: wd}, off)
	if err != nil {
		return encodeResult{}, err
	}
	return encodeResult{Cron: enc.Expr.String(), DurationMinutes: enc.DurationMinutes, Offset: off.String()}, nil
}

type decodeResult struct {
	Start  string `json:"start"`
	End    string `json:"end,omitempty"`
	Days   []int  `json:"days"`
	Offset string `json:"offset"`
}

func buildCronDecodeCommand() *cobra.Command {
	var offset time.Duration
	var duration int
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "decode <expression>",
		Short:   "Decode a stored expression back to local start time and weekdays",
		Example: `  gardend cron decode "0 6 * * 1,3" --offset 2h --duration 90`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := decode(args[0], offsetFlag(cmd, offset), duration)
			if err != nil {
				return err
			}
			text := fmt.Sprintf("%s days=%s (%s)", res.Start, joinInts(res.Days), res.Offset)
			if res.End != "" {
				text = fmt.Sprintf("%s-%s days=%s (%s)", res.Start, res.End, joinInts(res.Days), res.Offset)
			}
			return printResult(cmd.OutOrStdout(), asJSON, res, text)
		},
	}
	cmd.Flags().DurationVar(&offset, "offset", 0, "UTC offset, e.g. 2h or -5h30m (default: this host's zone)")
	cmd.Flags().IntVar(&duration, "duration", 0, "stored duration in minutes; prints the end time when set")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func decode(expr string, off recurrence.Offset, duration int) (decodeResult, error) {
	e, err := recurrence.Decode(expr)
	if err != nil {
		return decodeResult{}, err
	}
	if duration < 0 {
		return decodeResult{}, errors.New("duration must be >= 0")
	}
	res := decodeResult{Offset: off.String()}
	var days []time.Weekday
	if duration > 0 {
		w := e.LocalWindow(off, duration)
		res.Start, res.End, days = w.Start.String(), w.End.String(), w.Days
	} else {
		var start recurrence.Clock
		start, days = e.Local(off)
		res.Start = start.String()
	}
	for _, d := range days {
		res.Days = append(res.Days, int(d))
	}
	return res, nil
}

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "gardend", Version)
		},
	}
}

func printResult(w io.Writer, asJSON bool, v any, text string) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}
