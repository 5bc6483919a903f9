// Package filter turns UI filter clauses and free-text search terms into
// storage predicates by walking the schema registry.
//
// Predicates use a Prisma-like shape: scalar conditions are
// {"field": {"equals": v, "mode": "insensitive"}}, to-one relations nest as
// {"rel": {...}}, to-many relations as {"rel": {"some": {...}}} and clauses
// combine under "AND", "OR" and "NOT". Persistence implementations consume
// the same shape; Match evaluates it in memory.
package filter
