package storage

import "path"

// Blob key layout, one namespace per artifact kind and direction.
// Keys derive from internal row ids, never from the protocol-assigned
// message id: that id is only unique per partner, and keying blobs by
// it would let two partners' archives overwrite each other.
//
//	payload/sent/<row_id>.msg
//	payload/received/<row_id>.header
//	mdn/sent/<message_row_id>.mdn
//	mdn/received/<message_row_id>.header

// MessageHeadersKey returns the blob key for a message's stored
// protocol headers.
func MessageHeadersKey(m *Message) string {
	return path.Join("payload", directionDir(m.Direction), m.ID+".header")
}

// MessagePayloadKey returns the blob key for a message's stored
// payload bytes.
func MessagePayloadKey(m *Message) string {
	return path.Join("payload", directionDir(m.Direction), m.ID+".msg")
}

// MDNHeadersKey returns the blob key for an MDN's stored headers. MDNs
// are keyed by their owning message row since MDN ids are also
// partner-assigned.
func MDNHeadersKey(mdn *MDN) string {
	return path.Join("mdn", mdnDir(mdn.Status), mdn.MessageID+".header")
}

// MDNPayloadKey returns the blob key for an MDN's stored body.
func MDNPayloadKey(mdn *MDN) string {
	return path.Join("mdn", mdnDir(mdn.Status), mdn.MessageID+".mdn")
}

func directionDir(d Direction) string {
	if d == DirectionOut {
		return "sent"
	}
	return "received"
}

func mdnDir(s MDNStatus) string {
	if s == MDNReceived {
		return "received"
	}
	return "sent"
}
