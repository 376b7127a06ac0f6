package output

import "github.com/ericogr/ntu-session-agent/pkg/session"

// Output mirrors completed batches to a local diagnostic channel. Mirrors
// never gate the upload to the controller.
type Output interface {
	Publish(session.Batch) error
	Close() error
}

// helper constructors are in subpackages
