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
package memagent

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/pkoukk/tiktoken-go"

	"github.com/teradata-labs/mnemo/pkg/types"
)

// maxPayloadTokens bounds the serialized size of a single tool payload sent
// to the generator. Oversized tool outputs (large file reads, long command
// output) are truncated, keeping the head.
const maxPayloadTokens = 2000

// InitPrompt is the system prompt for a fresh generator conversation. It
// establishes the observer role, the project, the originating request and
// the exact XML output format.
func InitPrompt(project, userPrompt string) string {
	var request string
	if userPrompt != "" {
		request = fmt.Sprintf("The user's originating request was:\n%s\n\n", userPrompt)
	}
	return fmt.Sprintf(heredoc.Doc(`
		You are a silent observer of a coding session in the project %q.
		You will receive the session's tool executions one at a time, each
		wrapped in an <observed_from_primary_session> block. %sYour job is to
		distill what each execution reveals into structured observations.

		For every meaningful execution, emit one or more observation elements:

		<observation>
		  <type>decision|bugfix|feature|refactor|discovery|change</type>
		  <title>short headline</title>
		  <subtitle>one-line elaboration</subtitle>
		  <narrative>what happened and why it matters</narrative>
		  <facts><fact>atomic statement</fact></facts>
		  <concepts><concept>tag</concept></concepts>
		  <files_read><file>path</file></files_read>
		  <files_modified><file>path</file></files_modified>
		</observation>

		Omit fields you cannot fill; never invent content. Routine executions
		that reveal nothing new may produce no output at all.

		When asked to summarize the session, emit exactly one:

		<summary>
		  <request>what the user asked for</request>
		  <investigated>what was examined</investigated>
		  <learned>what was discovered</learned>
		  <completed>what was finished</completed>
		  <next_steps>what remains</next_steps>
		  <notes>anything else worth keeping</notes>
		</summary>

		or <skip_summary/> if there is truly nothing to record.
	`), project, request)
}

// ContinuationPrompt is the shorter system prompt for a runner that restarts
// on a session the generator has already observed. It re-establishes the
// output format without re-declaring the whole role.
func ContinuationPrompt(project string) string {
	return fmt.Sprintf(heredoc.Doc(`
		You are resuming observation of a coding session in the project %q.
		Continue distilling tool executions into <observation> elements and,
		on request, one <summary> element (or <skip_summary/>), using the
		same XML format as before. Types are limited to decision, bugfix,
		feature, refactor, discovery, change.
	`), project)
}

// EventXML serializes a tool event as the generator's input block. Tool
// input and output are JSON-rendered and truncated to the token budget.
func EventXML(ev *types.ToolEvent) string {
	var b strings.Builder
	b.WriteString("<observed_from_primary_session>\n")
	fmt.Fprintf(&b, "  <tool_name>%s</tool_name>\n", html.EscapeString(ev.ToolName))
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&b, "  <timestamp>%s</timestamp>\n", ts.UTC().Format(time.RFC3339))
	if ev.CWD != "" {
		fmt.Fprintf(&b, "  <cwd>%s</cwd>\n", html.EscapeString(ev.CWD))
	}
	if len(ev.ToolInput) > 0 {
		fmt.Fprintf(&b, "  <tool_input>%s</tool_input>\n",
			html.EscapeString(TruncateToTokens(rawToText(ev.ToolInput), maxPayloadTokens)))
	}
	if len(ev.ToolResponse) > 0 {
		fmt.Fprintf(&b, "  <tool_output>%s</tool_output>\n",
			html.EscapeString(TruncateToTokens(rawToText(ev.ToolResponse), maxPayloadTokens)))
	}
	b.WriteString("</observed_from_primary_session>")
	return b.String()
}

// SummarizePrompt builds the user turn requesting a session summary.
func SummarizePrompt(req *types.SummarizeRequest) string {
	var b strings.Builder
	b.WriteString("Summarize this session now.\n")
	if req != nil && req.LastUserMessage != "" {
		fmt.Fprintf(&b, "\nThe user's last message was:\n%s\n", req.LastUserMessage)
	}
	if req != nil && req.LastAssistantMessage != "" {
		fmt.Fprintf(&b, "\nThe assistant's last message was:\n%s\n", req.LastAssistantMessage)
	}
	b.WriteString("\nReply with one <summary> element, or <skip_summary/> if nothing happened.")
	return b.String()
}

// rawToText renders a raw JSON payload as text. JSON strings are unwrapped
// so the generator sees the content, not the quoting.
func rawToText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// tokenEncoder lazily loads the cl100k_base encoding. Load failures fall
// back to nil and a chars/4 estimate.
func tokenEncoder() *tiktoken.Tiktoken {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	return encoder
}

// CountTokens estimates the token length of text.
func CountTokens(text string) int {
	if enc := tokenEncoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// TruncateToTokens cuts text down to at most budget tokens, appending a
// marker when anything was dropped.
func TruncateToTokens(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	enc := tokenEncoder()
	if enc == nil {
		limit := budget * 4
		if len(text) <= limit {
			return text
		}
		return text[:limit] + "\n[truncated]"
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text
	}
	return enc.Decode(tokens[:budget]) + "\n[truncated]"
}
