// Package mongo provides a MongoDB-backed implementation of the subagent
// registry snapshot store. Build the low-level client via
// features/subagent/mongo/clients/mongo and pass it to NewStore so deployments
// can persist registry state outside the local filesystem.
package mongo
