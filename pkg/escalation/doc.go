// Package escalation decides what a classified fault escalates to.
package escalation
