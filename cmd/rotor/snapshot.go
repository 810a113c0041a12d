package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tfkr-ae/rotor/filestore"
	"github.com/tfkr-ae/rotor/rotation"
)

func newExportCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Write the route registry as YAML, to stdout when no file is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openRouteStore(c.cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			snapshot, err := store.LoadRoutes()
			if err != nil {
				return fmt.Errorf("loading routes : %w", err)
			}

			var out io.Writer = cmd.OutOrStdout()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
				if err != nil {
					return fmt.Errorf("creating %s : %w", args[0], err)
				}
				defer f.Close()
				out = f
			}
			return filestore.Encode(out, snapshot)
		},
	}
}

func newImportCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the route registry with a YAML export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening %s : %w", args[0], err)
			}
			defer f.Close()

			snapshot, err := filestore.Decode(f)
			if err != nil {
				return err
			}

			store, closeStore, err := openRouteStore(c.cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			registry := rotation.NewRegistry(rotation.WithStore(store))
			if err := registry.Restore(snapshot); err != nil {
				return err
			}

			imported := registry.Snapshot()
			endpoints := 0
			for _, routes := range imported.Domains {
				endpoints += len(routes.Endpoints)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d domains with %d endpoints\n", len(imported.Domains), endpoints)
			return nil
		},
	}
}
