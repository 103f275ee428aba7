// Package recorder persists environment-creation events. Each event's
// environment document is upserted by id into a BoltDB store, alongside
// the owning user, so the web frontend's view of provisioned workspaces
// survives restarts.
package recorder
