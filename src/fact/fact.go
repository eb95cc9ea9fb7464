package fact

import (
	"bytes"
	"fmt"
	"time"

	"github.com/davidmnoll/meshlang/src/crypto"
	"github.com/ugorji/go/codec"
)

// Fact is an immutable (key, value) pair. Values are expected to be JSON
// primitives (string, bool, numbers) but the store does not enforce this; it
// only requires that the value has a canonical encoding. A changed value is
// modeled as retract-then-add, never in-place mutation.
type Fact struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// StoredFact is a Fact plus the metadata attached by the store: the content
// address, the owning scope, the creation timestamp, and the identifier of
// the node that created it.
type StoredFact struct {
	ID        string      `json:"id"`
	Scope     string      `json:"scope"`
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	Timestamp int64       `json:"timestamp"`
	Source    string      `json:"source"`
}

// Fact returns the bare Fact wrapped by a StoredFact.
func (sf *StoredFact) Fact() Fact {
	return Fact{Key: sf.Key, Value: sf.Value}
}

// NewStoredFact wraps a Fact with store metadata and computes its content
// address.
func NewStoredFact(f Fact, scope, source string) *StoredFact {
	return &StoredFact{
		ID:        FactID(scope, f.Key, f.Value),
		Scope:     scope,
		Key:       f.Key,
		Value:     f.Value,
		Timestamp: time.Now().UnixNano(),
		Source:    source,
	}
}

// CanonicalValue returns the canonical encoding of a fact value. The codec
// is configured with Canonical=true so that map keys are sorted and the
// output is byte-identical across nodes.
func CanonicalValue(value interface{}) []byte {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(value); err != nil {
		// values are plain data; an encoding failure means a programming
		// error, fall back to the fmt representation rather than panic
		return []byte(fmt.Sprintf("%v", value))
	}

	return b.Bytes()
}

// FactID computes the content address of a (scope, key, value) triple. It is
// the hex form of the SHA256 hash of the three parts joined with zero bytes.
// The separator prevents ambiguity between ("ab","c") and ("a","bc").
func FactID(scope, key string, value interface{}) string {
	var buf bytes.Buffer
	buf.WriteString(scope)
	buf.WriteByte(0)
	buf.WriteString(key)
	buf.WriteByte(0)
	buf.Write(CanonicalValue(value))
	return fmt.Sprintf("%x", crypto.SHA256(buf.Bytes()))
}
