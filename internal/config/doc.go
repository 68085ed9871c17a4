// Package config defines configuration structures for the snag daemon.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (SNAG_ prefix)
//   - YAML configuration file
//
// Precedence is flags over environment over file over defaults; the
// loaders compose through Merge.
package config
