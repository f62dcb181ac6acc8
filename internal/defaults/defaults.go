// Package defaults provides embedded copies of the example config and
// the starter prompt library for the promptful init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// StarterMD is a small prompt library in the markdown import format.
//
//go:embed starter.md
var StarterMD []byte
