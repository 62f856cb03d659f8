// Package descriptor parses the YAML dataflow descriptor consumed by
// standalone mode: a document enumerating nodes, each with typed inputs
// and outputs and an input mapping to either an upstream node's output or
// a periodic timer.
package descriptor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowmesh/dorad/pkg/ids"
)

// Document is the top-level shape of a dataflow descriptor file.
type Document struct {
	Nodes []Node `yaml:"nodes"`
}

// Node describes one node's executable and its data-plane wiring.
type Node struct {
	ID        string    `yaml:"id"`
	Path      string    `yaml:"path"`
	Args      []string  `yaml:"args"`
	Env       []string  `yaml:"env"`
	RunConfig RunConfig `yaml:"run_config"`
}

// RunConfig lists a node's declared inputs and outputs.
type RunConfig struct {
	Inputs  map[string]InputMapping `yaml:"inputs"`
	Outputs []string                `yaml:"outputs"`
}

// InputMapping is a sum type: exactly one of User or Timer is set.
type InputMapping struct {
	User  *UserMapping `yaml:"source,omitempty"`
	Timer *TimerMapping `yaml:"timer,omitempty"`
}

// UserMapping routes an input from another node's named output.
type UserMapping struct {
	Source   string `yaml:"node"`
	Output   string `yaml:"output"`
	Operator string `yaml:"operator,omitempty"`
}

// TimerMapping routes an input from a periodic tick source.
type TimerMapping struct {
	Interval time.Duration `yaml:"interval"`
}

// Load reads and parses a descriptor file from disk.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("descriptor: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses descriptor YAML from an in-memory buffer.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("descriptor: parse: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate rejects descriptors the daemon cannot route: inputs whose
// mapping specifies an operator (sub-operator routing is unsupported),
// and mappings that specify neither or both of User/Timer.
func (d *Document) Validate() error {
	for _, n := range d.Nodes {
		for inputName, mapping := range n.RunConfig.Inputs {
			switch {
			case mapping.User == nil && mapping.Timer == nil:
				return fmt.Errorf("descriptor: node %q input %q has no mapping", n.ID, inputName)
			case mapping.User != nil && mapping.Timer != nil:
				return fmt.Errorf("descriptor: node %q input %q maps to both a source and a timer", n.ID, inputName)
			case mapping.User != nil && mapping.User.Operator != "":
				return fmt.Errorf("descriptor: node %q input %q references unsupported sub-operator %q", n.ID, inputName, mapping.User.Operator)
			}
		}
	}
	return nil
}

// NodeIDs returns every node id declared in the document, in document
// order, for building an exit_when_done set in standalone mode.
func (d *Document) NodeIDs() []ids.NodeID {
	out := make([]ids.NodeID, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		out = append(out, ids.NodeID(n.ID))
	}
	return out
}
