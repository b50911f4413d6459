// Package audit implements the buffered, sanitized audit log.
//
// A Writer assigns each accepted entry a monotonic sequence number, redacts
// credentials from the message and metadata, emits it to the zerolog sink and
// buffers it. The buffer is flushed in batches to the primary SQLite store,
// or to the obfuscated Badger fallback after repeated primary failures. A
// failed flush puts the batch back at the front of the buffer so entries are
// neither lost nor duplicated. On Close the unflushed remainder is saved and
// replayed by the next Open.
package audit
