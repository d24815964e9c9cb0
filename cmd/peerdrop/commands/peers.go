package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"peerdrop/internal/dirclient"
	"peerdrop/internal/logger"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "list identities currently online",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewLogger()

		dir, err := dirclient.NewClient(dirclient.Config{
			Addr:   directoryAddr,
			Logger: log,
		})
		if err != nil {
			return err
		}
		defer func() { _ = dir.Close() }()

		ctx := cmd.Context()
		if err := dir.Register(ctx, identity, ""); err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		peers, err := dir.Peers(ctx)
		if err != nil {
			return err
		}
		for _, p := range peers {
			fmt.Println(p)
		}
		return nil
	},
}
