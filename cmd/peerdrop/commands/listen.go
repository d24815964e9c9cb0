package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"peerdrop/internal/dirclient"
	"peerdrop/internal/logger"
	"peerdrop/internal/pipeline"
	"peerdrop/internal/protocol"
	"peerdrop/internal/session"
)

var outputDir string

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "accept incoming sessions and receive files",
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

		mgr := session.NewManager(session.Config{
			Identity:  identity,
			Directory: dir,
			Logger:    log,
		})
		go mgr.Run(ctx)
		defer func() { _ = mgr.Close() }()

		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return err
		}

		log.Infof("Listening as %q, writing received files to %s", identity, outputDir)

		// A nil channel never fires; the direct path only exists when asked
		// for.
		var directMsgs chan dirclient.Delivery
		if directMode {
			directMsgs = make(chan dirclient.Delivery, 16)
			go receiveDirect(ctx, mgr, directMsgs, log)
		}

		receiver := pipeline.NewReceiver(log)
		receiving := false
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-dir.Done():
				return dirclient.ErrClosed
			case req := <-mgr.Requests():
				log.Infof("Accepting session from %q", req.From)
				if err := mgr.Accept(ctx, req); err != nil {
					log.Warnf("Accept failed: %v", err)
				}
			case peer := <-mgr.PeerLost():
				// Abort path: whatever arrived before the peer vanished is
				// reported, not completed.
				if receiving {
					_, stats := receiver.Finish()
					log.Errorf("Transfer from %q aborted by peer loss", peer)
					printStats(stats)
					receiving = false
				}
			case d := <-mgr.Transfers():
				receiving = handleTransfer(mgr, receiver, d, receiving, log)
			case d := <-directMsgs:
				receiving = handleTransfer(mgr, receiver, d, receiving, log)
			}
		}
	},
}

func handleTransfer(mgr *session.Manager, receiver *pipeline.Receiver, d dirclient.Delivery, receiving bool, log *logrus.Logger) bool {
	switch p := d.Message.(type) {
	case *protocol.FileStart:
		key, err := mgr.SessionKey()
		if err != nil {
			log.Warnf("file-start without a secure session: %v", err)
			return false
		}
		receiver.Start(p.Name, p.Algorithm, key)
		return true
	case *protocol.FileChunk:
		if receiving {
			receiver.Add(p.Package)
		}
		return receiving
	case *protocol.FileEnd:
		if !receiving {
			return false
		}
		data, stats := receiver.Finish()
		path := filepath.Join(outputDir, filepath.Base(stats.Name))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			log.Warnf("Failed to write %s: %v", path, err)
		} else {
			printStats(stats)
		}
		return false
	}
	return receiving
}

func init() {
	listenCmd.Flags().StringVarP(&outputDir, "output", "o", "downloads", "directory for received files")
}
