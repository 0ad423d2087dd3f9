// Package config handles configuration loading, parsing, and validation
// from a YAML file and CHECKQ_-prefixed environment variables, using viper
// for the sources and validator struct tags for the rules.
package config
