// Package mcp exposes the gateway's tool catalogue as an MCP server:
// tools/list and tools/call over stdio, driven by the same
// orchestrator as the HTTP surface.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/datagate-labs/datagate/internal/domain/tool"
	"github.com/datagate-labs/datagate/internal/service"
)

// Dispatcher drives a tool-call envelope to a terminal response.
// Satisfied by *service.Orchestrator.
type Dispatcher interface {
	Handle(ctx context.Context, env *tool.Envelope) (*service.Response, error)
}

// KeyVerifier matches a cleartext gateway key to an external user ID.
type KeyVerifier interface {
	VerifyKey(cleartext string) (string, error)
}

// Adapter is the inbound MCP adapter. Each tool call is translated to
// an envelope; the caller identity comes from the _meta API key, or
// from the configured default user for local stdio sessions.
type Adapter struct {
	dispatcher  Dispatcher
	verifier    KeyVerifier
	defaultUser string
	version     string
	logger      *slog.Logger
}

// Option configures the Adapter.
type Option func(*Adapter)

// WithKeyVerifier enables _meta.apiKey authentication.
func WithKeyVerifier(v KeyVerifier) Option {
	return func(a *Adapter) { a.verifier = v }
}

// WithDefaultUser sets the identity assumed when a call carries no API
// key. Typical for a local stdio client owned by one operator.
func WithDefaultUser(externalUserID string) Option {
	return func(a *Adapter) { a.defaultUser = externalUserID }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithVersion sets the advertised server version.
func WithVersion(version string) Option {
	return func(a *Adapter) { a.version = version }
}

// NewAdapter creates the MCP adapter over the dispatcher.
func NewAdapter(dispatcher Dispatcher, opts ...Option) *Adapter {
	a := &Adapter{
		dispatcher: dispatcher,
		version:    "dev",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// descriptions for tools/list. The schemas stay open objects: the
// orchestrator validates inputs, and a denial must come back as a
// policy answer rather than a schema rejection.
var toolDescriptions = map[string]string{
	tool.NameRunSQL:        "Run a SQL query against the governed warehouse. Access rules, masking, region filters, and row caps apply.",
	tool.NameSearchDocs:    "Search internal documentation chunks visible to the caller's role.",
	tool.NameExplainMetric: "Look up a business-metric definition by name or display name.",
	tool.NameGenerateChart: "Render a Vega-Lite chart specification from tabular data.",
}

// Server builds the MCP server with the four tools registered.
func (a *Adapter) Server() *sdk.Server {
	srv := sdk.NewServer(&sdk.Implementation{Name: "datagate", Version: a.version}, nil)
	for _, name := range []string{tool.NameRunSQL, tool.NameSearchDocs, tool.NameExplainMetric, tool.NameGenerateChart} {
		sdk.AddTool(srv, &sdk.Tool{
			Name:        name,
			Description: toolDescriptions[name],
		}, a.handler(name))
	}
	return srv
}

// Run serves MCP over stdio until the context is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	a.logger.Info("starting MCP server", "transport", "stdio")
	return a.Server().Run(ctx, &sdk.StdioTransport{})
}

func (a *Adapter) handler(name string) func(context.Context, *sdk.CallToolRequest, map[string]any) (*sdk.CallToolResult, any, error) {
	return func(ctx context.Context, req *sdk.CallToolRequest, args map[string]any) (*sdk.CallToolResult, any, error) {
		env, err := a.envelope(name, req, args)
		if err != nil {
			return errorResult(err), nil, nil
		}

		resp, err := a.dispatcher.Handle(ctx, env)
		if err != nil {
			a.logger.Warn("mcp tool call failed",
				"tool", name,
				"request_id", env.RequestID,
				"error", err,
			)
			return errorResult(err), nil, nil
		}
		return textResult(resp), nil, nil
	}
}

// envelope assembles the dispatch envelope for one MCP call. The
// request ID may be pinned through _meta.requestId so a client retry
// joins the original call; otherwise each call is fresh.
func (a *Adapter) envelope(name string, req *sdk.CallToolRequest, args map[string]any) (*tool.Envelope, error) {
	meta := map[string]any(req.Params.Meta)

	userID := a.defaultUser
	if key := metaString(meta, "apiKey"); key != "" {
		if a.verifier == nil {
			return nil, tool.NewError(tool.CodeIdentityUnknown, "API keys are not enabled")
		}
		id, err := a.verifier.VerifyKey(key)
		if err != nil {
			return nil, tool.NewError(tool.CodeIdentityUnknown, "invalid API key")
		}
		userID = id
	}
	if userID == "" {
		return nil, tool.NewError(tool.CodeIdentityUnknown, "no caller identity: pass _meta.apiKey or configure a default user")
	}

	requestID := metaString(meta, "requestId")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if args == nil {
		args = map[string]any{}
	}
	return &tool.Envelope{
		RequestID:      requestID,
		ExternalUserID: userID,
		ToolName:       name,
		Inputs:         args,
	}, nil
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}

// textResult renders the full gateway response as JSON text content.
// A DENY or a pending approval is a successful tool result: the
// client asked and got an answer.
func textResult(resp *service.Response) *sdk.CallToolResult {
	raw, err := json.Marshal(resp)
	if err != nil {
		return errorResult(err)
	}
	return &sdk.CallToolResult{
		Content: []sdk.Content{&sdk.TextContent{Text: string(raw)}},
	}
}

// errorResult maps a gateway error to an MCP tool error.
func errorResult(err error) *sdk.CallToolResult {
	msg := err.Error()
	var coded *tool.Error
	if errors.As(err, &coded) {
		raw, mErr := json.Marshal(coded)
		if mErr == nil {
			msg = string(raw)
		}
	}
	return &sdk.CallToolResult{
		IsError: true,
		Content: []sdk.Content{&sdk.TextContent{Text: msg}},
	}
}
