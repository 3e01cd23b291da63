package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"inferd/pkg/types"
)

// StateInstanceID hashes history newest message first, leaving out the
// newest excludeLast messages, together with the load seed. Identical
// (role, name, content) sequences give identical ids.
func StateInstanceID(history []types.ChatMessage, excludeLast int, seed int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "seed=%d\n", seed)
	for i := len(history) - 1 - excludeLast; i >= 0; i-- {
		m := history[i]
		writeField(h, m.Role)
		writeField(h, m.Name)
		writeField(h, m.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes s so that field boundaries cannot shift.
func writeField(w io.Writer, s string) {
	fmt.Fprintf(w, "%d:%s", len(s), s)
}
