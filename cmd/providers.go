package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newProvidersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured providers and their models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRouter(cfg)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTYLE\tCACHE\tMODELS")
			for _, a := range rt.Providers() {
				ids := make([]string, 0, len(a.ListModels()))
				for _, m := range a.ListModels() {
					ids = append(ids, m.ID)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", a.Name(), a.APIStyle(), a.SupportsCache(), strings.Join(ids, ","))
			}
			return w.Flush()
		},
	}
}
