package protocol

const (
	// MaxChunkSize is the default plaintext chunk size for file transfer.
	MaxChunkSize = 1024 * 1024

	// MaxFrameSize bounds a single wire frame. A chunk package carries the
	// nonce and AEAD tag on top of the (possibly compressed) chunk, plus
	// envelope overhead.
	MaxFrameSize = MaxChunkSize + 64*1024

	// NonceSize is the length of the IV prepended to every chunk package.
	NonceSize = 12
)

type MessageType uint16

const (
	MsgRegister         MessageType = 0x0001
	MsgRegisterAck      MessageType = 0x0002
	MsgLookup           MessageType = 0x0010
	MsgLookupResult     MessageType = 0x0011
	MsgPeerListReq      MessageType = 0x0012
	MsgPeerListRes      MessageType = 0x0013
	MsgRelay            MessageType = 0x0020
	MsgRelayResult      MessageType = 0x0021
	MsgDeliver          MessageType = 0x0022
	MsgDeliverAck       MessageType = 0x0023
	MsgOnline           MessageType = 0x0030
	MsgOffline          MessageType = 0x0031
	MsgConnRequest      MessageType = 0x0040
	MsgConnAccept       MessageType = 0x0041
	MsgConnDecline      MessageType = 0x0042
	MsgFileStart        MessageType = 0x0050
	MsgFileChunk        MessageType = 0x0051
	MsgFileEnd          MessageType = 0x0052
	MsgSignal           MessageType = 0x0060
)

func (t MessageType) String() string {
	switch t {
	case MsgRegister:
		return "REGISTER"
	case MsgRegisterAck:
		return "REGISTER_ACK"
	case MsgLookup:
		return "LOOKUP"
	case MsgLookupResult:
		return "LOOKUP_RESULT"
	case MsgPeerListReq:
		return "PEER_LIST_REQ"
	case MsgPeerListRes:
		return "PEER_LIST_RES"
	case MsgRelay:
		return "RELAY"
	case MsgRelayResult:
		return "RELAY_RESULT"
	case MsgDeliver:
		return "DELIVER"
	case MsgDeliverAck:
		return "DELIVER_ACK"
	case MsgOnline:
		return "ONLINE"
	case MsgOffline:
		return "OFFLINE"
	case MsgConnRequest:
		return "CONN_REQUEST"
	case MsgConnAccept:
		return "CONN_ACCEPT"
	case MsgConnDecline:
		return "CONN_DECLINE"
	case MsgFileStart:
		return "FILE_START"
	case MsgFileChunk:
		return "FILE_CHUNK"
	case MsgFileEnd:
		return "FILE_END"
	case MsgSignal:
		return "SIGNAL"
	default:
		return "UNKNOWN"
	}
}

// Algorithm identifies the per-chunk transform chosen for one file.
type Algorithm string

const (
	AlgorithmNone Algorithm = "none"
	AlgorithmZlib Algorithm = "zlib"
)
