// Package config provides centralized configuration for the license core.
//
// Configuration is assembled from three layers, lowest precedence first:
//
//  1. Struct tag defaults
//  2. An optional YAML configuration file
//  3. Environment variables with the LICENSECORE prefix
//
// The loaded configuration is validated before use; an invalid configuration
// is rejected at load time rather than surfacing as misbehavior later.
package config
