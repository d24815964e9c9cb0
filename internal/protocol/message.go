// Package protocol defines the wire messages exchanged between peerdrop
// clients and the directory service, and between two peers through the
// relay. The directory never looks inside relay payloads.
package protocol

import "strings"

type Message interface {
	Type() MessageType
}

// NormalizeIdentity canonicalizes a username: surrounding whitespace is
// dropped and the name is lowercased. Every registry operation and every
// relay target goes through this form.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// Register binds an identity to the sending connection. Endpoint is the
// opaque transport reachability token the peer advertises.
type Register struct {
	Identity string
	Endpoint string
}

func (Register) Type() MessageType { return MsgRegister }

// RegisterAck echoes the normalized identity the directory stored.
type RegisterAck struct {
	Identity string
}

func (RegisterAck) Type() MessageType { return MsgRegisterAck }

type Lookup struct {
	CorrelationID string
	Identity      string
}

func (Lookup) Type() MessageType { return MsgLookup }

type LookupResult struct {
	CorrelationID string
	Endpoint      string
	Found         bool
}

func (LookupResult) Type() MessageType { return MsgLookupResult }

type PeerListRequest struct {
	CorrelationID string
}

func (PeerListRequest) Type() MessageType { return MsgPeerListReq }

type PeerListResponse struct {
	CorrelationID string
	Identities    []string
}

func (PeerListResponse) Type() MessageType { return MsgPeerListRes }

// Relay asks the directory to forward Payload to Target. The directory
// answers every Relay with exactly one RelayResult carrying the same
// correlation ID, either after the target acked the delivery or
// immediately when the target is not bound.
type Relay struct {
	CorrelationID string
	Target        string
	Payload       []byte
}

func (Relay) Type() MessageType { return MsgRelay }

type RelayResult struct {
	CorrelationID string
	Error         string
}

func (RelayResult) Type() MessageType { return MsgRelayResult }

// Deliver carries a relayed payload to its target.
type Deliver struct {
	CorrelationID string
	From          string
	Payload       []byte
}

func (Deliver) Type() MessageType { return MsgDeliver }

type DeliverAck struct {
	CorrelationID string
}

func (DeliverAck) Type() MessageType { return MsgDeliverAck }

type Online struct {
	Identity string
}

func (Online) Type() MessageType { return MsgOnline }

type Offline struct {
	Identity string
}

func (Offline) Type() MessageType { return MsgOffline }
