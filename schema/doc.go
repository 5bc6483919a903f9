// Package schema describes entity types for the ability engine and the
// filter builder: field names, scalar types and relations between entities.
//
// Descriptors are registered once at startup, from Go declarations, tagged
// structs or YAML, and are treated as read-only afterwards.
package schema
