// Package fault defines fault records, their severity tiers, and the
// classifier that maps a raw record onto a tier and category.
//
// Classification is a pure function over ordered rule lists. Security
// patterns are checked first and win over every other match, then
// Critical, High, and Medium. Anything unmatched is Info.
//
//	c := fault.NewClassifier()
//	cls := c.Classify(fault.NewRecord(fault.KindScript, "x is not a function", time.Now()))
//	// cls.Severity == fault.SeverityCritical
//
// The package also carries the error taxonomy used across sentinel
// (transient, application, security, resource, storage) and a bounded
// exponential-backoff Retry that only retries transient errors.
package fault
