// aurora - An end-to-end encrypted messaging client.
// Copyright (C) 2026 Aurora Messenger Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package backup

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed frame.schema.json
var frameSchemaJSON string

// ValidationReport records one non-fatal schema violation in a plaintext
// export, identified by its 1-based line number in the stream.
type ValidationReport struct {
	Line int
	Err  error
}

func (r ValidationReport) String() string {
	return fmt.Sprintf("line %d: %v", r.Line, r.Err)
}

// frameValidator checks each emitted plaintext line against the embedded
// frame schema. Violations are reported, not fatal: the plaintext export
// exists for human inspection and a best-effort stream with a report beats
// no stream.
type frameValidator struct {
	schema *jsonschema.Schema
}

const frameSchemaURL = "https://aurora-msg.org/schemas/backup-frame.schema.json"

func newFrameValidator() (*frameValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse frame schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(frameSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to register frame schema: %w", err)
	}
	schema, err := compiler.Compile(frameSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile frame schema: %w", err)
	}
	return &frameValidator{schema: schema}, nil
}

// validateLine checks one newline-terminated JSON line.
func (v *frameValidator) validateLine(line []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(line))
	if err != nil {
		return fmt.Errorf("line is not valid JSON: %w", err)
	}
	return v.schema.Validate(inst)
}
