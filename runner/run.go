package runner

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/webtests/asynctest/asynctest"
	"github.com/webtests/asynctest/internal/results"
)

func newRunCmd(g *globalFlags, catalog *asynctest.Catalog) *cobra.Command {
	var (
		sf         sessionFlags
		resultsDir string
		format     string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run [pattern]",
		Short: "Run tests",
		Long: `Run the tests selected by pattern, or the whole catalog.

The pattern has the form fixture/test where both parts are regular
expressions matched against fixture and test method names.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pattern string
			if len(args) > 0 {
				pattern = args[0]
			}
			var writer *results.ReportWriter
			if resultsDir != "" {
				f, err := results.ParseFormat(format)
				if err != nil {
					return err
				}
				writer = &results.ReportWriter{Dir: resultsDir, Format: f}
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			s, err := sf.open(ctx, g, catalog)
			if err != nil {
				return err
			}
			defer s.close(context.Background())

			manager := results.NewManager(writer, g.env.Log)
			result, err := runTests(ctx, s, pattern, manager, g.env)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), result)
			if result.Status.Failed() || result.Status == asynctest.StatusNone {
				return ErrTestsFailed
			}
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVar(&resultsDir, "results", "", "Write a report into this directory")
	cmd.Flags().StringVar(&format, "format", "json", "Report format (json or yaml)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Cancel the run after this duration")
	return cmd
}

// runTests runs the selected tests in one results session.
func runTests(ctx context.Context, s *session, pattern string, manager *results.Manager, env *asynctest.Env) (*asynctest.TestResult, error) {
	selected, err := selectTests(ctx, s, pattern)
	if err != nil {
		return nil, err
	}
	sid := manager.StartSession(s.Name(), env.Settings.Values())
	sink := asynctest.MultiSink(manager.Sink(sid), asynctest.NewLogSink(env.Log))

	result := asynctest.NewResult(asynctest.NewName(s.Name()))
	for _, tc := range selected {
		r, err := s.Run(ctx, tc, sink)
		if err != nil {
			manager.Terminate()
			return nil, err
		}
		result.AddChild(r)
		result.MergeStatus(r.Status)
		if err := manager.AddResult(sid, r); err != nil {
			return nil, err
		}
	}
	if err := manager.EndSession(sid); err != nil {
		return nil, err
	}
	return result, nil
}

func statusText(s asynctest.TestStatus) string {
	switch s {
	case asynctest.StatusSuccess:
		return text.FgGreen.Sprint(s)
	case asynctest.StatusError:
		return text.FgRed.Sprint(s)
	case asynctest.StatusCanceled, asynctest.StatusUnstable:
		return text.FgYellow.Sprint(s)
	}
	return text.FgHiBlack.Sprint(s)
}

// errorColumn shortens an error message to the width of the summary column.
func errorColumn(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return text.Snip(msg, 80, "...")
}

// printSummary renders the leaves of result as a table.
func printSummary(out io.Writer, result *asynctest.TestResult) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"Test", "Status", "Elapsed", "Error"})
	for _, l := range result.Leaves() {
		var msg string
		if len(l.Errors) > 0 {
			msg = errorColumn(l.Errors[0])
		}
		t.AppendRow(table.Row{l.Name.String(), statusText(l.Status), l.Elapsed.Round(time.Millisecond), msg})
	}
	sum := result.Summarize()
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d tests", sum.Total),
		fmt.Sprintf("%d passed, %d failed", sum.Success, sum.Errors),
		"",
		fmt.Sprintf("%d canceled, %d ignored", sum.Canceled, sum.Ignored),
	})
	t.Render()
}
