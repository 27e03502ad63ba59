package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pmwflow/internal/store"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Open applies every embedded migration that has not run yet.
			return ctx.withStore(func(st *store.Store) error {
				version, err := st.AppliedVersion(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s database at %s is at schema version %s\n", st.Driver(), st.Location(), version)
				return nil
			})
		},
	}
}
