// Package ingest speaks the NDJSON frame protocol used by `sentinel run`.
//
// Each line is a frame {type, timestamp, data}. Clients send REPORT and
// STATS frames; the server answers with ACK, STATS_RESULT or ERROR and
// forwards every published notice as a NOTICE frame.
//
//	{"type":"REPORT","timestamp":"2026-01-02T15:04:05Z","data":{"id":"1","kind":"script","message":"TypeError: x is undefined"}}
//	{"type":"ACK","timestamp":"2026-01-02T15:04:05Z","data":{"id":"1"}}
package ingest
