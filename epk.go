package docquery

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/getlantern/errors"
	"github.com/spaolacci/murmur3"
)

// PartitionKeyJSON encodes a partition key value the way the service expects
// it in request headers, as a single element JSON array.
func PartitionKeyJSON(pk interface{}) (string, error) {
	b, err := json.Marshal([]interface{}{pk})
	if err != nil {
		return "", errors.New("Unable to encode partition key %v: %v", pk, err)
	}
	return string(b), nil
}

// EffectivePartitionKey hashes a partition key value to its position in the
// effective partition key space, which partition key ranges divide up.
func EffectivePartitionKey(pk interface{}) (string, error) {
	encoded, err := PartitionKeyJSON(pk)
	if err != nil {
		return "", err
	}
	return effectivePartitionKey(encoded), nil
}

func effectivePartitionKey(encoded string) string {
	hi, lo := murmur3.Sum128([]byte(encoded))
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], hi)
	binary.BigEndian.PutUint64(b[8:], lo)
	// keep clear of the reserved top of the key space
	b[0] &= 0x3F
	return strings.ToUpper(hex.EncodeToString(b[:]))
}
