// Command rotor runs the rotating proxy and manages its configuration.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tfkr-ae/rotor"
	"github.com/tfkr-ae/rotor/db"
	"github.com/tfkr-ae/rotor/domain"
	"github.com/tfkr-ae/rotor/filestore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries the state shared by the commands.
type cli struct {
	configDir string
	cfg       *rotor.Config
}

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".rotor"
	}
	return filepath.Join(dir, "rotor")
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "rotor",
		Short: "Spread requests for chosen domains across rotating API gateways",
		Long: `rotor is an intercepting HTTP/HTTPS proxy. Requests to registered target
domains are rewritten to one of the API gateway endpoints provisioned for the
domain, so that successive requests leave from different addresses.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rotor.LoadConfig(c.configDir)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			c.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&c.configDir, "config-dir", defaultConfigDir(), "directory holding config.yaml, the CA and the database")

	root.AddCommand(
		newServeCmd(c),
		newExportCmd(c),
		newImportCmd(c),
		newRegionsCmd(c),
		newStageCmd(c),
	)
	return root
}

// openRouteStore returns the route store selected by the persistence setting
// and a function releasing it.
func openRouteStore(cfg *rotor.Config) (domain.RouteRepository, func() error, error) {
	if cfg.Persistence == rotor.PersistenceYAML {
		return filestore.New(cfg.Path(cfg.RoutesFile)), func() error { return nil }, nil
	}

	conn, err := db.New(cfg.Path(cfg.Database))
	if err != nil {
		return nil, nil, fmt.Errorf("opening database : %w", err)
	}
	repo := db.NewRepo(conn)
	return repo, repo.Close, nil
}
