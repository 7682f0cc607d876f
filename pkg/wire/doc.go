// Package wire defines the payload shapes exchanged with the fleet service
// and their codecs.
//
// Relay push messages (Envelope, DeviceSync) travel as CBOR maps with integer
// keys: encoding is deterministic, decoding is lenient so newer service
// fields do not break older SDKs. The write API shapes (WriteRequest,
// WriteResponse) travel as JSON over the request/response transport.
package wire
