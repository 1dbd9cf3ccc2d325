package dcgka

import "errors"

// These mirror the protocol-violation and missing-input rows of the error
// taxonomy: the first two are fatal for the session, MissingPreKeys is
// local and retryable once the PKI view catches up.
var (
	// ErrUnexpectedDirectMessageType is returned when a control message's
	// kind does not match the direct message variant attached to it (e.g.
	// an Add for us without a Welcome).
	ErrUnexpectedDirectMessageType = errors.New("dcgka: unexpected direct message type for this control message")

	// ErrMissingDirectMessage is returned when a required direct message
	// (a Welcome addressed to us for our own Add, most commonly) is absent.
	ErrMissingDirectMessage = errors.New("dcgka: required direct message missing")

	// ErrMissingPreKeys is returned when a peer's prekey bundle is not yet
	// known to the local PKI view: local, the caller may retry once the
	// view is updated.
	ErrMissingPreKeys = errors.New("dcgka: peer unknown to local pki view")

	// ErrSeqOutOfOrder is returned when a remote operation's sequence
	// number is not the sender's expected next counter: fatal for the
	// session, since it means causal delivery (the orderer's
	// responsibility) was violated.
	ErrSeqOutOfOrder = errors.New("dcgka: operation sequence number out of order")
)
