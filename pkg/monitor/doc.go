// Package monitor watches heap usage. Usage above the report threshold is
// reported as a memory fault; usage above the cleanup threshold also trims
// retained history, forces a collection and removes temporary surface
// elements.
package monitor
