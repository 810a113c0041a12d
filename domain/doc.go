// Package domain defines the core data structures of rotor and the contracts its
// collaborators must satisfy.
//
// It holds the gateway endpoint and rotation strategy models used by the rotation
// engine, the remote gateway records produced by provisioning, captured traffic and
// log entries, and the repository and provider interfaces that keep the rest of the
// module independent from the storage backend and the cloud API in use.
package domain
