package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"peerdrop/internal/classify"
	"peerdrop/internal/dirclient"
	"peerdrop/internal/logger"
	"peerdrop/internal/pipeline"
	"peerdrop/internal/protocol"
	"peerdrop/internal/session"
)

var sendCmd = &cobra.Command{
	Use:   "send target file...",
	Short: "send files to a peer",
	Long:  `send establishes a secure session with the target username and transfers the given files one after another.`,
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, files := args[0], args[1:]
		log := logger.NewLogger()

		dir, err := dirclient.NewClient(dirclient.Config{
			Addr:   directoryAddr,
			Logger: log,
		})
		if err != nil {
			return err
		}
		defer func() { _ = dir.Close() }()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

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

		// A lost peer aborts the whole batch.
		go func() {
			peer := <-mgr.PeerLost()
			log.Errorf("Peer %q lost, aborting transfer", peer)
			cancel()
		}()

		if err := mgr.Initiate(ctx, target); err != nil {
			return err
		}
		key, err := mgr.SessionKey()
		if err != nil {
			return err
		}

		classifier := classify.NewClassifier(classify.DefaultConfig())
		sender := pipeline.NewSender(log, protocol.MaxChunkSize)

		transmit := pipeline.TransmitFunc(func(ctx context.Context, msg protocol.Message) error {
			return dir.Relay(ctx, mgr.Peer(), msg)
		})
		if directMode {
			conn, err := dialDirect(ctx, mgr, log)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()
			transmit = directTransmit(conn)
		}

		// Files go strictly one at a time; the next file never starts
		// before the previous file-end was acknowledged.
		for _, path := range files {
			stats, err := sendOne(ctx, sender, classifier, transmit, key, path)
			if err != nil {
				return err
			}
			printStats(stats)
		}
		return nil
	},
}

func sendOne(ctx context.Context, sender *pipeline.Sender, classifier *classify.Classifier, transmit pipeline.TransmitFunc, key [32]byte, path string) (pipeline.Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return pipeline.Stats{}, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return pipeline.Stats{}, err
	}

	strategy := classifier.Classify(info.Name(), f)
	if _, err := f.Seek(0, 0); err != nil {
		return pipeline.Stats{}, err
	}

	bar := progressbar.DefaultBytes(info.Size(), filepath.Base(path))
	send := func(ctx context.Context, msg protocol.Message) error {
		if err := transmit(ctx, msg); err != nil {
			return err
		}
		if chunk, ok := msg.(*protocol.FileChunk); ok {
			_ = bar.Add(len(chunk.Package))
		}
		return nil
	}

	stats, err := sender.SendFile(ctx, f, info.Name(), info.Size(), key, strategy, send)
	_ = bar.Finish()
	return stats, err
}

func printStats(stats pipeline.Stats) {
	fmt.Printf("%s: %d bytes -> %d on the wire (%s), %d bad chunks, %s\n",
		stats.Name, stats.OriginalBytes, stats.WireBytes, stats.Algorithm,
		stats.BadChunks, stats.Elapsed.Round(time.Millisecond))
}
