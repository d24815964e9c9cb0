package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"peerdrop/internal/directory"
	"peerdrop/internal/logger"
)

var addr string

var rootCmd = &cobra.Command{
	Use:   "directoryd",
	Short: "peerdrop directory and relay service",
	Long:  `directoryd maps usernames to reachable endpoints and relays handshake and transfer payloads between two registered peers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewLogger()

		server, err := directory.NewServer(directory.Config{
			Addr:   addr,
			Logger: log,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return server.Start(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
