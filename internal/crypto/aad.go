package crypto

import (
	"encoding/binary"
)

// BuildAAD binds an envelope's routing fields into the AEAD so a
// sealed payload cannot be replayed under a different sender,
// recipient, event name, or event id.
func BuildAAD(eventName, fromID, toID, eventID string) []byte {
	fields := []string{eventName, fromID, toID, eventID}
	size := 0
	for _, f := range fields {
		size += 2 + len(f)
	}
	buf := make([]byte, 0, size)
	var tmp [2]byte
	for _, f := range fields {
		binary.BigEndian.PutUint16(tmp[:], uint16(len(f)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, f...)
	}
	return buf
}
