// Package config loads and validates Bootstrappo's YAML configuration:
// the daemon settings file and the declarative plan file that drives
// convergence. Plan files are re-read on every load so watch-mode picks
// up edits without a restart.
package config
