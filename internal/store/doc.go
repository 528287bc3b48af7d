// Package store persists tasks and delivery records.
//
// Backends:
//   - memory: tests and single-process development
//   - file: dependency-light journal + snapshot, one process only
//   - sqlite: single-node deployments
//   - postgres: shared by several herald processes; claims use row locks
package store
