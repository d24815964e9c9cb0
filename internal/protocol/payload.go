package protocol

// Payload messages travel inside Relay/Deliver envelopes. They are encoded
// with the same codec but the directory treats them as opaque bytes.

// ConnRequest opens a handshake. Key is the initiator's exported public key.
type ConnRequest struct {
	Key []byte
}

func (ConnRequest) Type() MessageType { return MsgConnRequest }

// ConnAccept completes a handshake. Key is the responder's exported public key.
type ConnAccept struct {
	Key []byte
}

func (ConnAccept) Type() MessageType { return MsgConnAccept }

type ConnDecline struct {
	Reason string
}

func (ConnDecline) Type() MessageType { return MsgConnDecline }

// FileStart announces the next file of the batch and the transform the
// receiver must undo, before any chunk of that file is sent.
type FileStart struct {
	Name      string
	Size      int64
	Algorithm Algorithm
}

func (FileStart) Type() MessageType { return MsgFileStart }

// FileChunk carries one wire package: a fresh 12-byte nonce followed by
// the AEAD ciphertext of the (possibly compressed) chunk.
type FileChunk struct {
	Package []byte
}

func (FileChunk) Type() MessageType { return MsgFileChunk }

type FileEnd struct{}

func (FileEnd) Type() MessageType { return MsgFileEnd }

// SignalBlob carries opaque connection-signaling data (offers, answers,
// ICE candidates) between peers that are negotiating a direct channel.
type SignalBlob struct {
	Payload []byte
}

func (SignalBlob) Type() MessageType { return MsgSignal }
