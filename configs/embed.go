package configs

import _ "embed"

// DefaultConfig is the annotated default configuration file.
//
//go:embed termroom.yaml
var DefaultConfig []byte
