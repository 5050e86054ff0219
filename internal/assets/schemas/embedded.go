// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so definition files validate the same
// way regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// FlowSchema is the embedded flow-definition JSON schema.
//
//go:embed flow.schema.json
var FlowSchema []byte

// ZoneSchema is the embedded zone-definition JSON schema.
//
//go:embed zone.schema.json
var ZoneSchema []byte
