// Package engine wires the sentinel pipeline behind a single entry point.
//
// A fault enters through Report, is classified, appended to the audit trail
// and the in-memory history, and then handed to the escalator:
//
//	collaborator -> Report -> Classifier -> audit.Writer -> Escalator
//	                                                     -> Orchestrator (recover)
//	                                                     -> Responder (security)
//
// Recoveries run off the reporting goroutine. At most one is in flight and
// its outcome is appended to the audit trail as a recovery entry. Security
// incidents are contained synchronously and are persisted before the user
// is notified.
//
// Statistics come from Stats (the audit trail) and ErrorStats (the fault
// history and recovery state). ExportLogs renders the trail as JSON or CSV.
package engine
