// Package security contains security incidents.
//
// A Responder records each incident in a capped ring, reports it to an
// optional external sink, and applies the actions chosen by an OPA policy:
// suspending outbound requests and form submission through a Gate,
// invalidating the session, purging suspicious surface elements and
// publishing a blocking notice.
//
// The built-in policy lives in policies/builtin.rego under the package
// sentinel.security. Operators can drop extra modules into a policy
// directory; a PolicyWatcher recompiles them when files change.
package security
