// Package config builds the immutable process configuration for a single
// deployment run. Environment variables are only read through an injected
// LookupFunc so that no other component depends on ambient process state.
package config
