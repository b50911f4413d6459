// Package surface tracks the elements of the interaction surface so that
// security response can purge injected content and resource pressure can
// drop temporary elements.
package surface
