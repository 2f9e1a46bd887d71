package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantumauth-io/walletlink-client/internal/session"
)

func linkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link",
		Short: "Print the URL a wallet opens to join the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore()
			if err != nil {
				return err
			}

			s, err := session.Load(store)
			if err != nil {
				return err
			}
			if s == nil {
				if s, err = session.New(store); err != nil {
					return err
				}
				if err := s.Save(); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if s.Linked() {
				_, _ = fmt.Fprintln(out, "Session is already linked.")
			}
			_, _ = fmt.Fprintln(out, s.LinkingURL(cfg.ClientSettings.LinkAPIURL))
			return nil
		},
	}
}
