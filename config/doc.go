// Package config provides unified configuration loading for expflow:
// defaults, YAML file overrides and environment-variable overrides, in that
// precedence order.
package config
