package main

import (
	"github.com/spf13/cobra"
)

func newAuditCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit OPERATION_ID",
		Short: "Print the audit trail of an operation, one entry per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := a.open(ctx, cmd); err != nil {
				return err
			}
			defer a.close()
			entries, err := a.store.Audit.Entries(ctx, args[0], limit)
			if err != nil {
				return withCode(exitDB, err)
			}
			for _, e := range entries {
				if err := writeJSONLine(cmd.OutOrStdout(), e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries to print (0 for all)")
	return cmd
}
