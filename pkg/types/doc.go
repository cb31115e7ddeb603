// Package types holds the data model shared by the resolver, update and
// index actors: IndexId/IndexMeta, the UpdateKind/UpdateRecord/UpdateStatus
// lifecycle types, and the error taxonomy the actors return through their
// reply channels.
package types
