// Package db is the SQLite persistence layer of rotor.
//
// A single Repository stores the route registry snapshot, the inventory of remote
// gateways, the captured traffic summaries and the operational log. Each table
// has a db* struct mirroring its columns and conversion functions to and from
// the domain types. The schema lives in embedded goose migrations.
package db
