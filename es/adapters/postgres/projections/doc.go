// Package projections provides built-in read models for the PostgreSQL adapter.
//
// These are reusable consumers shipped with pupstream. They subscribe to a
// dispatch.Engine like any other read model and persist into PostgreSQL.
package projections
