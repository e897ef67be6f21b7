package db

import "github.com/markdave123-py/contexta/internal/core"

// Store is the full persistence surface of one backend: metadata plus vectors.
// Both the Postgres client and the in-memory store satisfy it.
type Store interface {
	core.DbClient
	core.VectorStore
}

var _ Store = (*DatabaseClient)(nil)
