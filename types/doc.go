// Package types defines the shared data model for Expertflow: ranked
// retrieval items, workflow state, checkpoints, panel sessions, stream
// events, and the unified error taxonomy. It has no dependencies on other
// Expertflow packages so every layer can import it freely.
package types
