package core

import (
	"encoding/json"

	"github.com/getlantern/errors"
	"github.com/oxtoacart/bpool"
	"github.com/spaolacci/murmur3"
)

// hashBuffers holds the scratch buffers items are encoded into before
// hashing.
var hashBuffers = bpool.NewBufferPool(64)

// itemHash identifies the content of a JSON value.
type itemHash struct {
	hi uint64
	lo uint64
}

var undefinedHash = func() itemHash {
	hi, lo := murmur3.Sum128([]byte("undefined"))
	return itemHash{hi, lo}
}()

// hashItem hashes the canonical JSON encoding of item. Object members are
// encoded in key order, so equal documents hash equally no matter how their
// members were ordered on the wire.
func hashItem(item interface{}) (itemHash, error) {
	if item == undefined {
		return undefinedHash, nil
	}
	buf := hashBuffers.Get()
	defer hashBuffers.Put(buf)
	if err := json.NewEncoder(buf).Encode(item); err != nil {
		return itemHash{}, errors.New("Unable to hash item: %v", err)
	}
	hi, lo := murmur3.Sum128(buf.Bytes())
	return itemHash{hi, lo}, nil
}
