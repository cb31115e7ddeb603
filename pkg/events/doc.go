// Package events implements a small pub/sub broker for index lifecycle
// events (index.created, update.enqueued, update.processed, ...), plus a
// Latch primitive the index actor uses to know when the last holder of a
// shared SearchIndex handle has released it, instead of spinning on a
// reference count.
package events
