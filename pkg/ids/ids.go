// Package ids defines the identifier and handle types shared across the
// daemon: dataflow/node/data identifiers, the routing keys derived from
// them, and the drop-token handle used for shared-memory release
// accounting.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// DataflowID uniquely identifies a running dataflow graph.
type DataflowID uuid.UUID

// NewDataflowID generates a fresh random dataflow identifier.
func NewDataflowID() DataflowID {
	return DataflowID(uuid.New())
}

// ParseDataflowID parses a dataflow identifier from its string form.
func ParseDataflowID(s string) (DataflowID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DataflowID{}, fmt.Errorf("parse dataflow id %q: %w", s, err)
	}
	return DataflowID(u), nil
}

func (d DataflowID) String() string {
	return uuid.UUID(d).String()
}

// MarshalText implements encoding.TextMarshaler so DataflowID round-trips
// through the msgpack codec and YAML descriptors as a plain string.
func (d DataflowID) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DataflowID) UnmarshalText(text []byte) error {
	parsed, err := ParseDataflowID(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// NodeID identifies a node within a dataflow. Opaque, case-sensitive.
type NodeID string

// DataID identifies a named input or output on a node. Opaque, case-sensitive.
type DataID string

// OutputID is the pair identifying one node's named output.
type OutputID struct {
	Node   NodeID
	Output DataID
}

func (o OutputID) String() string {
	return fmt.Sprintf("%s/%s", o.Node, o.Output)
}

// InputID is the pair identifying one node's named input.
type InputID struct {
	Node  NodeID
	Input DataID
}

func (i InputID) String() string {
	return fmt.Sprintf("%s/%s", i.Node, i.Input)
}

// DropToken is a single-use handle minted by the engine per fan-out
// delivery, associating one subscriber's receipt with one shared-memory
// segment. Tokens are unforgeable within the process: the zero value is
// never issued by DropTokenSource.Next.
type DropToken uint64

// DropTokenSource mints process-unique, monotonically increasing tokens.
// It is owned by the engine loop goroutine exclusively; no synchronization
// is needed because the loop is single-threaded.
type DropTokenSource struct {
	next uint64
}

// Next mints a fresh drop token. The first minted token is 1; 0 is never
// issued, so DropToken's zero value can serve as an "absent" sentinel.
func (s *DropTokenSource) Next() DropToken {
	s.next++
	return DropToken(s.next)
}
