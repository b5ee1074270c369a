package cos

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

// GenID produces a new short, URL-safe identifier for iterations and work
// items. Grounded on the teacher's cmn/cos/uuid.go, which generates
// daemon/proxy ids the same way.
func GenID() string {
	id, err := shortid.Generate()
	if err != nil {
		// shortid only fails on generator misconfiguration; fall back to
		// a content hash of the current time so callers never see an error.
		sum := xxhash.Checksum64([]byte(time.Now().String()))
		return fmt.Sprintf("%016x", sum)
	}
	return id
}

// Fingerprint hashes the JSON encoding of each part, in argument order, so
// that two logically-identical configs produce the same digest; map key
// order does not matter because encoding/json writes map keys sorted.
// Grounded on the xxhash dependency already used by the teacher for UUID
// and dsort content hashing.
func Fingerprint(parts ...any) string {
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		b, err := json.Marshal(p)
		if err != nil {
			continue
		}
		keys = append(keys, string(b))
	}
	h := xxhash.New64()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
