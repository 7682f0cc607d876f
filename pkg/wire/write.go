package wire

// Shapes for the request/response write API. These travel as JSON over the
// REST transport, unlike the CBOR relay envelopes.

// Write statuses reported by the write API.
const (
	// WriteStatusSuccess means the service accepted the write for delivery.
	WriteStatusSuccess = "SUCCESS"

	// WriteStatusFailure means the service rejected the write.
	WriteStatusFailure = "FAILURE"

	// WriteStatusNotAttempted means a preceding write in the same batch
	// failed and this one was never dispatched.
	WriteStatusNotAttempted = "NOT_ATTEMPTED"
)

// WriteRequest is one attribute write posted to the write API.
// RequestID is client-assigned and echoed by both the response and the
// acknowledgement delta that later arrives on the relay.
type WriteRequest struct {
	RequestID   uint32 `json:"requestId"`
	AttributeID uint16 `json:"attrId"`
	Value       string `json:"value"`
}

// WriteResponse is the service's immediate reply to one WriteRequest.
// It confirms dispatch only; device-side application is confirmed later by
// an acknowledgement delta.
type WriteResponse struct {
	RequestID   uint32 `json:"requestId"`
	Status      string `json:"status"`
	TimestampMs int64  `json:"timestampMs"`
}

// Accepted reports whether the service accepted the write for delivery.
func (r WriteResponse) Accepted() bool {
	return r.Status == WriteStatusSuccess
}
