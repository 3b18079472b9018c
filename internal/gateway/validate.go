package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	maxQueryBytes = 32 * 1024
	maxIDLength   = 256
	maxRepoURLLen = 2048
)

// chatRequestSchema is the wire shape of POST /chat. Extra properties are
// tolerated.
const chatRequestSchema = `{
	"type": "object",
	"required": ["sessionId", "query", "requestId"],
	"properties": {
		"sessionId": {"type": "string", "pattern": "\\S", "maxLength": 256},
		"requestId": {"type": "string", "pattern": "\\S", "maxLength": 256},
		"query":     {"type": "string", "pattern": "\\S", "maxLength": 32768},
		"repoUrl":   {"type": ["string", "null"], "maxLength": 2048}
	}
}`

var githubRepoPattern = regexp.MustCompile(`^(?:https?://|ssh://git@|git@)?(?:www\.)?github\.com[:/]([^/\s]+)/([^/\s]+?)(?:\.git)?/?$`)

// ChatRequest is one inbound chat call.
type ChatRequest struct {
	SessionID string `json:"sessionId"`
	Query     string `json:"query"`
	RequestID string `json:"requestId"`
	RepoURL   string `json:"repoUrl,omitempty"`
}

// Validate checks the request independent of its wire encoding.
func (r ChatRequest) Validate() error {
	var problems []string
	check := func(name, v string, max int) {
		switch {
		case strings.TrimSpace(v) == "":
			problems = append(problems, name+" is required")
		case len(v) > max:
			problems = append(problems, fmt.Sprintf("%s exceeds %d bytes", name, max))
		}
	}
	check("sessionId", r.SessionID, maxIDLength)
	check("requestId", r.RequestID, maxIDLength)
	check("query", r.Query, maxQueryBytes)
	if r.RepoURL != "" {
		if len(r.RepoURL) > maxRepoURLLen {
			problems = append(problems, fmt.Sprintf("repoUrl exceeds %d bytes", maxRepoURLLen))
		} else if !githubRepoPattern.MatchString(strings.TrimSpace(r.RepoURL)) {
			problems = append(problems, "repoUrl must reference a GitHub repository (github.com/owner/repo)")
		}
	}
	if len(problems) > 0 {
		return errors.New("invalid request: " + strings.Join(problems, "; "))
	}
	return nil
}

// requestValidator decodes and schema-checks POST /chat bodies.
type requestValidator struct {
	schema *jsonschema.Schema
}

func newRequestValidator() (*requestValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(chatRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal chat schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("chat-request.json", doc); err != nil {
		return nil, fmt.Errorf("add chat schema resource: %w", err)
	}
	schema, err := c.Compile("chat-request.json")
	if err != nil {
		return nil, fmt.Errorf("compile chat schema: %w", err)
	}
	return &requestValidator{schema: schema}, nil
}

// Decode parses body into a ChatRequest. Any failure is a client error.
func (v *requestValidator) Decode(body []byte) (ChatRequest, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return ChatRequest{}, errors.New("invalid request: empty body")
	}
	// UnmarshalJSON keeps numbers as json.Number, which the validator needs.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return ChatRequest{}, fmt.Errorf("invalid request: malformed JSON: %v", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return ChatRequest{}, errors.New("invalid request: " + schemaProblems(err))
	}
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ChatRequest{}, fmt.Errorf("invalid request: %v", err)
	}
	if err := req.Validate(); err != nil {
		return ChatRequest{}, err
	}
	return req, nil
}

// schemaProblems flattens a multi-line validation error into one line,
// dropping the header that names the schema URL.
func schemaProblems(err error) string {
	lines := strings.Split(err.Error(), "\n")
	var out []string
	for i, line := range lines {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		if line == "" || (i == 0 && len(lines) > 1) {
			continue
		}
		out = append(out, line)
	}
	if len(out) == 0 {
		return "schema validation failed"
	}
	return strings.Join(out, "; ")
}
