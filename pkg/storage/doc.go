// Package storage implements the three bbolt-backed stores the actors own
// exclusively: NameStore (uuids/, the resolver's NameMap), MetaStore
// (indexes/meta.db, the index actor's IndexMeta), and UpdateLogStore (one
// updates-<uuid>/ database per index, the update actor's UpdateLog).
//
// Each store follows the same shape: one bucket per entity kind, JSON-
// marshaled values keyed by the entity's natural key, db.Update/db.View
// for durable writes and snapshot reads respectively.
package storage
