package nbmodel

// Wire framing for the room protocol. Byte 0 is the message class; for
// sync messages byte 1 is the subtype and the rest is a payload only the
// replicated-data engine interprets.

const (
	messageClassSync      = byte(0)
	messageClassAwareness = byte(1)
)

const (
	// a compact summary of what the sender already has
	syncStateSummary = byte(0)
	// the diff bringing the peer current relative to its summary
	syncStateReply = byte(1)
	// a standalone diff to merge at any time
	syncIncrementalUpdate = byte(2)
)

func syncMessage(subtype byte, payload []byte) []byte {
	message := make([]byte, 0, 2+len(payload))
	message = append(message, messageClassSync, subtype)
	return append(message, payload...)
}

func parseSyncMessage(frame []byte) (subtype byte, payload []byte, err error) {
	if len(frame) < 2 {
		return 0, nil, &ProtocolError{Reason: "sync frame too short"}
	}
	subtype = frame[1]
	switch subtype {
	case syncStateSummary, syncStateReply, syncIncrementalUpdate:
		return subtype, frame[2:], nil
	}
	return 0, nil, &ProtocolError{Reason: "unknown sync subtype"}
}
