package commands

import (
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/spf13/cobra"

	"github.com/quantumauth-io/walletlink-client/cmd/walletlink-client/config"
	"github.com/quantumauth-io/walletlink-client/internal/constants"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	cfg       *config.Config
	storePath string
	assumeYes bool
)

func Execute() error {
	root := &cobra.Command{
		Use:           constants.AppName,
		Short:         "WalletLink relay client and local JSON-RPC bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load()
			if err != nil {
				return err
			}
			if storePath != "" {
				c.Storage.Path = storePath
			}
			cfg = c
			return nil
		},
	}

	root.PersistentFlags().StringVar(&storePath, "store", "", "path of the encrypted session store")

	root.AddCommand(serveCmd(), linkCmd(), resetCmd(), versionCmd())
	err := root.Execute()
	if err != nil {
		log.Error("command failed", "error", err)
	}
	return err
}
