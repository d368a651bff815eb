package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
	"github.com/webtests/asynctest/asynctest"
	"github.com/webtests/asynctest/internal/engine"
)

func newListCmd(g *globalFlags, catalog *asynctest.Catalog) *cobra.Command {
	var (
		sf   sessionFlags
		dump bool
	)
	cmd := &cobra.Command{
		Use:   "list [pattern]",
		Short: "List the test tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pattern string
			if len(args) > 0 {
				pattern = args[0]
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			s, err := sf.open(ctx, g, catalog)
			if err != nil {
				return err
			}
			defer s.close(context.Background())

			selected, err := selectTests(ctx, s, pattern)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, tc := range selected {
				all, err := engine.Flatten(func(tc *engine.TestCase) ([]*engine.TestCase, error) {
					return s.Children(ctx, tc)
				}, tc)
				if err != nil {
					return err
				}
				if dump {
					spew.Fdump(out, all)
					continue
				}
				base := tc.Path.Len()
				for _, c := range all {
					if c.Name.IsEmpty() {
						continue
					}
					indent := strings.Repeat("  ", max(c.Path.Len()-base, 0))
					fmt.Fprintf(out, "%s%s\n", indent, c.Name)
				}
			}
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().BoolVar(&dump, "dump", false, "Dump the test cases with their paths")
	return cmd
}
