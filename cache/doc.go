// Package cache provides the in-process caches used by the query engine.
//
// QueryCache memoizes composed statements by fingerprint. A fingerprint is
// a structured key naming the operation, the table and the shape of the
// query, never its values:
//
//	select_by_id:users
//	insert:users:3
//	count:users:9f2c01a4
//
// Memory is an in-memory implementation of prism.Cache with per-entry
// expiry, used by the response cache middleware.
package cache
