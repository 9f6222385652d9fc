// Package ldap is the directory access layer: endpoint selection across
// single-node and multi-master topologies, a keyed session pool with
// time-based expiration, and an authenticated protocol session with
// cursor-paginated search and idempotent group membership operations.
package ldap
