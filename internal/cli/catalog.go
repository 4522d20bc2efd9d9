package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pandulaDW/state-history-log/internal/log"
)

func newCatalogCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the retained logs and their block ranges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.loadConfig()
			if err != nil {
				return err
			}
			cat, err := log.NewCatalog(c)
			if err != nil {
				return err
			}
			defer cat.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FIRST\tLAST\tPATH")
			for _, r := range cat.Ranges() {
				fmt.Fprintf(w, "%d\t%d\t%s\n", r.FirstBlock, r.LastBlock, r.Path+".log")
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d retained\n", cat.Len())
			return nil
		},
	}
}
