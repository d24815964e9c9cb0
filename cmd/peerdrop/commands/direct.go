package commands

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"peerdrop/internal/dirclient"
	"peerdrop/internal/pipeline"
	"peerdrop/internal/protocol"
	"peerdrop/internal/session"
	"peerdrop/internal/transport"
)

// directMode switches chunk traffic from the relay to a negotiated data
// channel. Handshake and signaling still go through the directory.
var directMode bool

var directAck = []byte{0x06}

func init() {
	sendCmd.Flags().BoolVar(&directMode, "direct", false, "negotiate a direct data channel for chunk traffic")
	listenCmd.Flags().BoolVar(&directMode, "direct", false, "negotiate a direct data channel for chunk traffic")
}

// dialDirect negotiates a data channel with the active peer, using the
// session manager as the signaler.
func dialDirect(ctx context.Context, mgr *session.Manager, log *logrus.Logger) (transport.Conn, error) {
	rtc := transport.NewWebRTCTransport(transport.WebRTCConfig{Logger: log}, mgr)
	conn, err := rtc.Connect(ctx, mgr.Peer())
	if err != nil {
		return nil, fmt.Errorf("direct channel to %q: %w", mgr.Peer(), err)
	}
	return conn, nil
}

// directTransmit sends each message as an encoded frame over the channel
// and waits for the receiver's ack before returning, preserving the
// one-chunk-in-flight discipline of the relay path.
func directTransmit(conn transport.Conn) pipeline.TransmitFunc {
	codec := protocol.NewCodec()
	return func(ctx context.Context, msg protocol.Message) error {
		data, err := codec.EncodeToBytes(msg)
		if err != nil {
			return err
		}
		if err := conn.Send(data); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-conn.Recv():
			if !ok {
				return fmt.Errorf("direct channel to %q closed", conn.PeerID())
			}
			return nil
		}
	}
}

// receiveDirect accepts the peer's data channel and feeds decoded frames
// into out, acking each frame as it arrives.
func receiveDirect(ctx context.Context, mgr *session.Manager, out chan<- dirclient.Delivery, log *logrus.Logger) {
	rtc := transport.NewWebRTCTransport(transport.WebRTCConfig{Logger: log}, mgr)
	codec := protocol.NewCodec()

	for {
		var conn transport.Conn
		select {
		case <-ctx.Done():
			return
		case conn = <-rtc.Accept():
		}

		log.Infof("Direct channel with %q open", conn.PeerID())
		pumpDirect(ctx, conn, codec, out, log)
	}
}

// pumpDirect drains one channel into out. Every frame is acked on receipt,
// before decoding, so a bad frame never stalls the sender's wait.
func pumpDirect(ctx context.Context, conn transport.Conn, codec *protocol.Codec, out chan<- dirclient.Delivery, log *logrus.Logger) {
	for data := range conn.Recv() {
		if err := conn.Send(directAck); err != nil {
			log.Warnf("Failed to ack frame from %q: %v", conn.PeerID(), err)
		}
		msg, err := codec.DecodeFromBytes(data)
		if err != nil {
			log.Warnf("Bad frame on direct channel from %q: %v", conn.PeerID(), err)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case out <- dirclient.Delivery{From: conn.PeerID(), Message: msg}:
		}
	}
}
