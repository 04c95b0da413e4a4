// Package protocol defines the WebSocket wire frames exchanged
// between clients and the collaboration engine: a tagged-union JSON
// document carried over a single text frame, discriminated by its
// "type" field.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/colabtext/collabtext/internal/ot"
)

// ClientFrame is the envelope a client sends for both edits and
// cursor broadcasts.
type ClientFrame struct {
	Type     ot.OpType   `json:"type"`
	From     ot.Position `json:"from_pos"`
	To       ot.Position `json:"to_pos"`
	Text     []string    `json:"text"`
	Revision uint64      `json:"revision"`
}

// ToOperation converts the wire frame into the engine's Operation type.
func (f ClientFrame) ToOperation() ot.Operation {
	return ot.Operation{
		From:     f.From,
		To:       f.To,
		Text:     f.Text,
		Type:     f.Type,
		Revision: f.Revision,
	}
}

// PeerEdit is the server→client frame for a transformed operation
// broadcast to peers, the transformed op plus its author's token.
type PeerEdit struct {
	ot.Operation
	UserToken string `json:"user_token"`
}

// AckType is the constant discriminator for Acknowledge frames.
const AckType = "ACKNOWLEDGE"

// Acknowledge is sent to the submitter once its op has been transformed,
// applied, and logged, so the client can advance its baseline revision.
type Acknowledge struct {
	Type        string `json:"type"`
	RevisionLog uint64 `json:"revision_log"`
	UserToken   string `json:"user_token"`
}

// NewAcknowledge builds an Acknowledge frame for revision/token.
func NewAcknowledge(revision uint64, userToken string) Acknowledge {
	return Acknowledge{Type: AckType, RevisionLog: revision, UserToken: userToken}
}

// PresenceJoin announces a newly connected session to its peers.
type PresenceJoin struct {
	Username    string `json:"username"`
	UserToken   string `json:"user_token"`
	ClientColor string `json:"clientColor"`
}

// PresenceLeave announces a session's disconnection to its peers.
type PresenceLeave struct {
	Message   string `json:"message"`
	UserToken string `json:"user_token"`
}

// NewPresenceLeave builds the canned disconnect-notice frame.
func NewPresenceLeave(userToken string) PresenceLeave {
	return PresenceLeave{
		Message:   fmt.Sprintf("User %s Disconnected from the file.", userToken),
		UserToken: userToken,
	}
}

// BusEnvelope is what the serializer publishes on the fan-out bus and
// what session forwarders unmarshal: the transformed op plus routing
// metadata the bus itself does not interpret. See internal/bus.
type BusEnvelope struct {
	Op             ot.Operation `json:"op"`
	SubmitterToken string       `json:"submitter_token"`
}

// MarshalBusEnvelope is a small helper kept alongside the type so
// internal/bus and internal/engine don't each re-derive the wire form.
func MarshalBusEnvelope(op ot.Operation, submitterToken string) ([]byte, error) {
	return json.Marshal(BusEnvelope{Op: op, SubmitterToken: submitterToken})
}
