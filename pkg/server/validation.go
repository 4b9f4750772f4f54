// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// maxBodyBytes caps ingestion request bodies. Tool outputs are truncated by
// the memory agent anyway; anything bigger than this is a misbehaving client.
const maxBodyBytes = 10 << 20

// Request body schemas for the ingestion surface. Query routes take their
// parameters from the URL and are validated in the handlers.
var (
	ensureSessionSchema = mustSchema(`{
		"type": "object",
		"required": ["agent_session_id", "platform", "project"],
		"properties": {
			"agent_session_id": {"type": "string", "minLength": 1},
			"platform":         {"type": "string", "minLength": 1},
			"project":          {"type": "string", "minLength": 1},
			"user_prompt":      {"type": "string"},
			"worker_port":      {"type": "integer", "minimum": 0}
		}
	}`)

	observationSchema = mustSchema(`{
		"type": "object",
		"required": ["agent_session_id", "platform", "tool_name"],
		"properties": {
			"agent_session_id": {"type": "string", "minLength": 1},
			"platform":         {"type": "string", "minLength": 1},
			"tool_name":        {"type": "string", "minLength": 1},
			"tool_input":       {},
			"tool_response":    {},
			"cwd":              {"type": "string"},
			"prompt_number":    {"type": "integer", "minimum": 0},
			"timestamp":        {"type": "string"}
		}
	}`)

	summarizeSchema = mustSchema(`{
		"type": "object",
		"required": ["agent_session_id", "platform"],
		"properties": {
			"agent_session_id":       {"type": "string", "minLength": 1},
			"platform":               {"type": "string", "minLength": 1},
			"last_user_message":      {"type": "string"},
			"last_assistant_message": {"type": "string"}
		}
	}`)

	completeSchema = mustSchema(`{
		"type": "object",
		"required": ["agent_session_id", "platform"],
		"properties": {
			"agent_session_id": {"type": "string", "minLength": 1},
			"platform":         {"type": "string", "minLength": 1},
			"reason":           {"type": "string"}
		}
	}`)
)

func mustSchema(raw string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid request schema: %v", err))
	}
	return schema
}

// bodyHandler receives the raw, schema-validated request body.
type bodyHandler func(w http.ResponseWriter, r *http.Request, body []byte)

// validated reads the body, checks it against the schema, and rejects
// malformed requests with 400 before the handler runs.
func (s *Server) validated(schema *gojsonschema.Schema, next bodyHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
			return
		}

		result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be a JSON object"})
			return
		}
		if !result.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": validationMessage(result),
			})
			return
		}

		next(w, r, body)
	})
}

func validationMessage(result *gojsonschema.Result) string {
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return "invalid request: " + strings.Join(msgs, "; ")
}
