// Package runner implements the command line interface of test binaries.
//
// A test binary registers its catalog and hands control to Main:
//
//	func main() {
//		runner.Main(mytests.Catalog())
//	}
package runner

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/webtests/asynctest/asynctest"
	"gopkg.in/inconshreveable/log15.v2"
)

// ErrTestsFailed is returned by the run command when a test did not succeed.
var ErrTestsFailed = errors.New("tests failed")

// Main runs the command line and exits the process.
func Main(catalog *asynctest.Catalog) {
	if err := NewCommand(catalog).Execute(); err != nil {
		if !errors.Is(err, ErrTestsFailed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

// globalFlags are shared by all commands.
type globalFlags struct {
	settingsFile string
	set          []string
	logLevel     int
	category     string
	features     []string

	env *asynctest.Env
}

// NewCommand creates the root command for catalog.
func NewCommand(catalog *asynctest.Catalog) *cobra.Command {
	g := new(globalFlags)
	root := &cobra.Command{
		Use:           catalog.Name,
		Short:         fmt.Sprintf("Run the %s test catalog", catalog.Name),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.setup(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&g.settingsFile, "settings", "", "YAML settings file")
	flags.StringArrayVar(&g.set, "set", nil, "Set a setting (key=value), may be repeated")
	flags.IntVar(&g.logLevel, "loglevel", 3, "Log level to use for displaying system events")
	flags.StringVar(&g.category, "category", "", "Run tests of this category")
	flags.StringSliceVar(&g.features, "feature", nil, "Enable (name) or disable (-name) features")

	root.AddCommand(
		newListCmd(g, catalog),
		newRunCmd(g, catalog),
		newServerCmd(g, catalog),
		newDocsCmd(catalog),
	)
	return root
}

// setup builds the environment and configures logging.
func (g *globalFlags) setup(cmd *cobra.Command) error {
	env := asynctest.NewEnv(nil)
	if g.settingsFile != "" {
		if err := env.Settings.LoadFile(g.settingsFile); err != nil {
			return err
		}
	}
	for _, kv := range g.set {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return errors.Errorf("invalid setting %q, want key=value", kv)
		}
		env.Settings.Set(k, v)
	}
	if g.category != "" {
		env.Settings.Set(asynctest.SettingCategory, g.category)
	}
	for _, f := range g.features {
		name, value := f, "true"
		if strings.HasPrefix(f, "-") {
			name, value = f[1:], "false"
		} else if n, v, ok := strings.Cut(f, "="); ok {
			if _, err := strconv.ParseBool(v); err != nil {
				return errors.Errorf("invalid feature value %q", f)
			}
			name, value = n, v
		}
		env.Settings.Set(asynctest.SettingFeaturePrefix+name, value)
	}

	level := g.logLevel
	if !cmd.Flags().Changed("loglevel") {
		level = env.Settings.Int(asynctest.SettingLogLevel, level)
	}
	log15.Root().SetHandler(log15.LvlFilterHandler(log15.Lvl(level), log15.StreamHandler(os.Stderr, log15.TerminalFormat())))
	env.Log = log15.Root()
	g.env = env
	return nil
}
