// Package cache defines the durable storage for versioned cache generations.
// A generation is a named set of GET request/response pairs; exactly one of
// them is current for the gateway at a time and older ones are deleted in full
// when a new version activates. Two backends share the Storage contract: a
// disk layout (StoragePath/<generation>/entries/<sha1>.{json,body}) written
// with temp file + rename, and a LevelDB store for deployments that prefer a
// single database file. Lifecycle code depends on this package only through
// Storage and Generation.
package cache
