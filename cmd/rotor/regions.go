package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tfkr-ae/rotor/provision"
)

func newRegionsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regions",
		Short: "List the regions gateways are created in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, region := range c.cfg.Regions {
				fmt.Fprintln(cmd.OutOrStdout(), region)
			}
			return nil
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <region>...",
			Short: "Add regions to the configuration",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				for _, region := range args {
					if err := c.cfg.AddRegion(region); err != nil {
						return err
					}
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <region>...",
			Short: "Remove regions from the configuration",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				for _, region := range args {
					if err := c.cfg.RemoveRegion(region); err != nil {
						return err
					}
				}
				return nil
			},
		},
	)
	return cmd
}

func newStageCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Inspect deployment stage names",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check <name>",
		Short: "Check a stage name against the naming rules and the deny list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := provision.NewStageValidator(c.cfg.StageDenyList).Validate(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is usable\n", stage)
			return nil
		},
	})
	return cmd
}
