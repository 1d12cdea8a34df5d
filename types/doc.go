// Package types defines the core data model shared by every engine
// component: workflow documents, node and connection descriptors, item
// batches flowing along connections, execution state records, and the
// unified engine error type.
package types
