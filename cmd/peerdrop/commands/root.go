// Package commands implements the peerdrop CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	directoryAddr string
	identity      string
)

var rootCmd = &cobra.Command{
	Use:   "peerdrop",
	Short: "encrypted peer to peer file transfer",
	Long:  `peerdrop discovers peers by username through a directory service, establishes an encrypted session and transfers files with adaptive compression.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&directoryAddr, "directory", "localhost:8080", "directory service address")
	rootCmd.PersistentFlags().StringVarP(&identity, "identity", "i", "", "username to register with the directory")
	_ = rootCmd.MarkPersistentFlagRequired("identity")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(peersCmd)
}
