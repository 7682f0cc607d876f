package wire

// ClientMessageKind discriminates client-to-relay messages.
type ClientMessageKind uint8

const (
	// ClientHello announces the session after the websocket handshake.
	ClientHello ClientMessageKind = iota + 1

	// ClientSyncRequest asks the relay for a full snapshot.
	ClientSyncRequest
)

// ClientMessage is the single client-to-relay message shape. Hello carries
// the session fields; a sync request carries only the kind.
type ClientMessage struct {
	// Kind discriminates the message.
	Kind ClientMessageKind `cbor:"1,keyasint"`

	// AccountID scopes the fleet view. Hello only.
	AccountID string `cbor:"2,keyasint,omitempty"`

	// UserID identifies the acting user. Hello only.
	UserID string `cbor:"3,keyasint,omitempty"`

	// ClientID identifies the SDK instance. Hello only.
	ClientID string `cbor:"4,keyasint,omitempty"`
}
