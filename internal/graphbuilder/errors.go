package graphbuilder

import (
	"fmt"

	"github.com/vk/assetgrid/internal/assetid"
)

// ConfigurationError is recorded when no pipeline handles an asset type.
type ConfigurationError struct {
	Type     assetid.TypeID
	OutputID assetid.OutputID
	Path     string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("no pipeline registered for asset type '%s' (output %s, path '%s')", e.Type, e.OutputID, e.Path)
}

// DanglingReferenceError is recorded when an id resolves to neither a source
// instance nor an existing output.
type DanglingReferenceError struct {
	ID assetid.OutputID
	// Referrer is the path of the node that declared the reference, empty for roots.
	Referrer string
}

func (e *DanglingReferenceError) Error() string {
	if e.Referrer == "" {
		return fmt.Sprintf("dangling reference to %s", e.ID)
	}
	return fmt.Sprintf("dangling reference to %s from '%s'", e.ID, e.Referrer)
}

// IOError is recorded when source data or an external file of a node cannot
// be read. It fails only that node.
type IOError struct {
	OutputID assetid.OutputID
	Path     string
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("reading data of '%s' (%s): %v", e.Path, e.OutputID, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
