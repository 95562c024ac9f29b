package task

import (
	"os"

	"github.com/fxamacker/cbor/v2"
)

// Outcome kinds stored in the handshake file.
const (
	kindOK       = "ok"
	kindError    = "error"
	kindCanceled = "canceled"
)

// outcome is the tagged union the child serializes exactly once to the
// handshake file. Done is the sentinel confirming the serialization itself
// completed: a handshake that decodes but lacks it, or fails to decode at
// all, means the channel (not the work) failed.
type outcome struct {
	Kind  string          `cbor:"kind"`
	Value cbor.RawMessage `cbor:"value,omitempty"`
	Err   string          `cbor:"err,omitempty"`
	Done  bool            `cbor:"done"`
}

// Args carries the caller-supplied arguments into the child.
type Args struct {
	raw []byte
}

// Decode unmarshals the arguments into out. Tasks started without arguments
// see an empty Args; decoding it is a no-op.
func (a Args) Decode(out any) error {
	if len(a.raw) == 0 {
		return nil
	}
	return cbor.Unmarshal(a.raw, out)
}

func writeOutcome(path string, o outcome) error {
	o.Done = true
	data, err := cbor.Marshal(o)
	if err != nil {
		return err
	}
	// Write to a temp name then rename so the parent can never observe a
	// half-written handshake under the final name.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readOutcome(path string) (outcome, error) {
	var o outcome
	data, err := os.ReadFile(path)
	if err != nil {
		return o, err
	}
	if err := cbor.Unmarshal(data, &o); err != nil {
		return o, err
	}
	return o, nil
}
