// Package config loads sentinel configuration.
//
// Files are YAML or CUE. CUE sources are unified with the embedded #Config
// schema (schema.cue) before decoding, so violations are reported with file
// positions. Both formats are decoded over Default(), then SENTINEL_*
// environment variables are applied and the result is validated with
// go-playground/validator plus cross-field checks.
//
//	cfg, err := config.Load("sentinel.cue")
//	if err != nil {
//	    return err
//	}
package config
