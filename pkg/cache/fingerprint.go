package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Fingerprint computes a deterministic cache key over a task's identity and
// its argument values, using the canonical JSON serialization of each
// argument. Arguments that cannot be serialized (channels, functions, cyclic
// values) produce an error so callers fail fast instead of silently skipping
// the cache.
func Fingerprint(taskName string, args []interface{}) (string, error) {
	h := sha256.New()
	h.Write([]byte(taskName))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return "", errors.Wrapf(err, "fingerprint of task '%s': argument %d is not serializable", taskName, i)
		}
		// Separator avoids ambiguity between adjacent arguments.
		fmt.Fprintf(h, "|%d:", i)
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
