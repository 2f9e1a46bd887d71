package commands

import (
	"fmt"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/spf13/cobra"
)

func resetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget the stored session, accounts and chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !assumeYes {
				ok, err := promptYesNo("This unlinks the wallet. Continue? [y/N] ")
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}

			store, file, err := openStore()
			if err != nil {
				return err
			}
			if err := store.Clear(); err != nil {
				return fmt.Errorf("clear store: %w", err)
			}
			log.Info("session store cleared", "path", file.Path())
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Session cleared.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
