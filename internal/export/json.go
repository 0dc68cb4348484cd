// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/jeranaias/fern/internal/model"
)

// JSONExporter exports conversations as indented JSON.
type JSONExporter struct {
	options Options
}

// NewJSONExporter creates a JSON exporter.
func NewJSONExporter(opts Options) *JSONExporter {
	return &JSONExporter{options: opts}
}

// jsonDocument is the exported JSON layout.
type jsonDocument struct {
	Generator    string              `json:"generator"`
	ExportedAt   *time.Time          `json:"exported_at,omitempty"`
	Conversation *model.Conversation `json:"conversation"`
}

// Export renders conv as JSON in its stored layout.
func (e *JSONExporter) Export(conv *model.Conversation) ([]byte, error) {
	if err := validate(conv); err != nil {
		return nil, err
	}

	out := conv.Clone()
	if !e.options.IncludeReasoning {
		for i := range out.Messages {
			out.Messages[i].Reasoning = ""
		}
	}
	if !e.options.IncludeTimestamps {
		for i := range out.Messages {
			out.Messages[i].CreatedAt = time.Time{}
		}
	}

	doc := jsonDocument{Generator: "fern", Conversation: out}
	if e.options.IncludeMetadata {
		now := e.options.now().UTC()
		doc.ExportedAt = &now
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal conversation")
	}
	return append(data, '\n'), nil
}

// FileExtension returns ".json".
func (e *JSONExporter) FileExtension() string { return ".json" }

// MimeType returns "application/json".
func (e *JSONExporter) MimeType() string { return "application/json" }
