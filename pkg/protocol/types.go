package protocol

// Message type constants for protocol envelopes.
const (
	TypeUploadBegin = "upload.begin"
	TypeUploadEnd   = "upload.end"
	TypeUploadAck   = "upload.ack"
	TypeUploadNack  = "upload.nack"
)

// Unit kinds carried in UnitHeader.Kind.
const (
	KindFile  = "file"
	KindChunk = "chunk"
)
