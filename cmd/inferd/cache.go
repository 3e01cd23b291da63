package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the prompt cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("cache requires a subcommand: purge|sweep")
		},
	}
	purge := &cobra.Command{
		Use:     "purge <model>...",
		Short:   "Remove every cached state of the given models",
		Example: "  inferd cache purge tinyllama.Q4_K_M.gguf",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := c.cacheManager()
			if err != nil {
				return err
			}
			for _, model := range args {
				n, err := m.PurgeModel(model)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: removed %d state namespaces\n", model, n)
			}
			return nil
		},
	}
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Apply the age and size limits once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := c.cacheManager()
			if err != nil {
				return err
			}
			rep, err := m.Sweep()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entries=%d expired=%d evicted=%d bytes_before=%d bytes_after=%d\n",
				rep.Entries, rep.ExpiredAge, rep.EvictedSize, rep.BytesBefore, rep.BytesAfter)
			return nil
		},
	}
	cmd.AddCommand(purge, sweep)
	return cmd
}
