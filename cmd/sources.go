package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, appInstance App) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tENABLED\tVOLUME\tBASE URL")
			for _, src := range appInstance.Sources() {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\n", src.ID, src.Kind, src.Enabled, src.VolumeEstimate, src.BaseURL)
			}
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("write sources: %w", err)
			}
			return nil
		}),
	}
}
