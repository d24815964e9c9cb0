package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

func init() {
	gob.Register(&Register{})
	gob.Register(&RegisterAck{})
	gob.Register(&Lookup{})
	gob.Register(&LookupResult{})
	gob.Register(&PeerListRequest{})
	gob.Register(&PeerListResponse{})
	gob.Register(&Relay{})
	gob.Register(&RelayResult{})
	gob.Register(&Deliver{})
	gob.Register(&DeliverAck{})
	gob.Register(&Online{})
	gob.Register(&Offline{})
	gob.Register(&ConnRequest{})
	gob.Register(&ConnAccept{})
	gob.Register(&ConnDecline{})
	gob.Register(&FileStart{})
	gob.Register(&FileChunk{})
	gob.Register(&FileEnd{})
	gob.Register(&SignalBlob{})
}

type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, msg Message) error {
	return gob.NewEncoder(w).Encode(&msg)
}

func (c *Codec) Decode(r io.Reader) (Message, error) {
	var msg Message
	if err := gob.NewDecoder(r).Decode(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Codec) EncodeToBytes(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) DecodeFromBytes(data []byte) (Message, error) {
	return c.Decode(bytes.NewReader(data))
}

// WriteFrame writes msg as a length-prefixed frame: a big-endian uint32
// length followed by the encoded message.
func (c *Codec) WriteFrame(w io.Writer, msg Message) error {
	data, err := c.EncodeToBytes(msg)
	if err != nil {
		return err
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed frame and decodes it.
func (c *Codec) ReadFrame(r io.Reader) (Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return c.DecodeFromBytes(data)
}
