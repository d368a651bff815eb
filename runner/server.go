package runner

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/webtests/asynctest/asynctest"
	"github.com/webtests/asynctest/internal/remoting"
	"github.com/webtests/asynctest/internal/results"
)

func newServerCmd(g *globalFlags, catalog *asynctest.Catalog) *cobra.Command {
	var (
		listen     string
		stdio      bool
		apiAddr    string
		resultsDir string
		format     string
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the catalog to remote clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (listen == "") == !stdio {
				return errors.New("exactly one of --listen and --stdio is required")
			}
			var writer *results.ReportWriter
			if resultsDir != "" {
				f, err := results.ParseFormat(format)
				if err != nil {
					return err
				}
				writer = &results.ReportWriter{Dir: resultsDir, Format: f}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := remoting.NewServer(g.env, catalog)
			srv.Results = results.NewManager(writer, g.env.Log)
			defer srv.Results.Terminate()

			if apiAddr != "" {
				api, err := startAPI(apiAddr, srv.Results)
				if err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					api.Shutdown(shutdownCtx)
				}()
			}

			if stdio {
				return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
			}
			l, err := net.Listen("tcp", listen)
			if err != nil {
				return errors.Wrap(err, "can't listen")
			}
			g.env.Log.Info("serving tests", "catalog", catalog.Name, "addr", l.Addr())
			return srv.Serve(ctx, l)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Accept connections on this TCP address")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "Serve a single client over standard input and output")
	cmd.Flags().StringVar(&apiAddr, "api", "", "Serve the results API on this address")
	cmd.Flags().StringVar(&resultsDir, "results", "", "Write session reports into this directory")
	cmd.Flags().StringVar(&format, "format", "json", "Report format (json or yaml)")
	return cmd
}

// startAPI serves the results API in the background.
func startAPI(addr string, m *results.Manager) (*http.Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "can't listen for API")
	}
	api := &http.Server{Handler: m.API(), ReadHeaderTimeout: 10 * time.Second}
	go api.Serve(l)
	return api, nil
}
