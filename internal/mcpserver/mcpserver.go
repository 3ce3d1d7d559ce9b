// Package mcpserver exposes the memory service as MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rcliao/memory-api/internal/model"
	"github.com/rcliao/memory-api/internal/service"
	"github.com/rcliao/memory-api/internal/store"
)

// Server holds the tool registry.
type Server struct {
	svc    *service.Service
	logger *slog.Logger
	mcp    *server.MCPServer
}

// New registers every tool against svc.
func New(svc *service.Service, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger, mcp: server.NewMCPServer("memory-api", version)}

	tags := mcp.WithArray("tags",
		mcp.Description(tagHelp(svc.TagMode())),
		mcp.Items(map[string]any{"type": "string"}))

	s.mcp.AddTool(mcp.NewTool("remember",
		mcp.WithDescription("Stores a memory under a key, replacing any memory already stored under that exact key."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Topic the memory is filed under")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Memory content: plain text or a JSON object")),
		tags,
	), s.handleRemember)

	s.mcp.AddTool(mcp.NewTool("recall",
		mcp.WithDescription("Looks a memory up by key (case-insensitive), plus related memories whose key or content contains the query."),
		mcp.WithString("key", mcp.Description("Key or text to look for")),
		mcp.WithString("tag", mcp.Description("Only return memories carrying this tag")),
	), s.handleRecall)

	s.mcp.AddTool(mcp.NewTool("list_memories",
		mcp.WithDescription("Lists memories, newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of memories (default 20, 0 for all)")),
		mcp.WithString("tag", mcp.Description("Only list memories carrying this tag")),
	), s.handleList)

	s.mcp.AddTool(mcp.NewTool("delete_memory",
		mcp.WithDescription("Deletes the most recent memory whose key matches, or the one with the given created_at."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Key of the memory to delete")),
		mcp.WithString("created_at", mcp.Description("RFC 3339 timestamp identifying one record")),
	), s.handleDelete)

	s.mcp.AddTool(mcp.NewTool("edit_memory",
		mcp.WithDescription("Changes the key, body, tags or timestamp of an existing memory."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Key of the memory to edit")),
		mcp.WithString("created_at", mcp.Description("RFC 3339 timestamp identifying one record")),
		mcp.WithString("new_key", mcp.Description("Replacement key")),
		mcp.WithString("body", mcp.Description("Replacement content: plain text or a JSON object")),
		mcp.WithArray("tags", mcp.Description("Replacement tags"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("new_created_at", mcp.Description("Replacement RFC 3339 timestamp")),
	), s.handleEdit)

	s.mcp.AddTool(mcp.NewTool("backup_memories",
		mcp.WithDescription("Writes every memory to a new JSON backup file."),
	), s.handleBackup)

	s.mcp.AddTool(mcp.NewTool("list_categories",
		mcp.WithDescription("Lists the category vocabulary with descriptions."),
	), s.handleCategories)

	return s
}

// ServeStdio serves the tools on stdin and stdout until the client goes away.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func tagHelp(mode model.TagMode) string {
	if mode == model.TagsClosed {
		names := make([]string, 0, len(model.CategoryDescription))
		for _, c := range model.Categories() {
			names = append(names, string(c))
		}
		return "Categories, each one of: " + strings.Join(names, ", ")
	}
	return "Free-form labels"
}

type args map[string]any

func argsOf(request mcp.CallToolRequest) args {
	a, _ := request.Params.Arguments.(map[string]any)
	return a
}

func (a args) str(name string) string {
	v, _ := a[name].(string)
	return v
}

func (a args) has(name string) bool {
	_, ok := a[name]
	return ok
}

func (a args) list(name string) ([]string, error) {
	raw, ok := a[name]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		if list, ok := raw.([]string); ok {
			return list, nil
		}
		return nil, &model.ValidationError{Field: name, Reason: "must be an array of strings"}
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, &model.ValidationError{Field: name, Reason: "must be an array of strings"}
		}
		out = append(out, s)
	}
	return out, nil
}

func (a args) timestamp(name string) (*time.Time, error) {
	v := a.str(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, &model.ValidationError{Field: name, Reason: fmt.Sprintf("%q is not RFC 3339", v)}
	}
	return &t, nil
}

// body reads plain text, or a JSON object when the value looks like one.
func (a args) body(name string) model.Body {
	v := a.str(name)
	if strings.HasPrefix(strings.TrimSpace(v), "{") {
		if b, err := model.DecodeBody(v); err == nil {
			return b
		}
	}
	if v == "" {
		return nil
	}
	return model.TextBody(v)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) errorResult(tool string, err error) (*mcp.CallToolResult, error) {
	if errors.Is(err, store.ErrStorage) {
		s.logger.Error("tool failed", "tool", tool, "error", err)
	}
	return mcp.NewToolResultError(err.Error()), nil
}

func (s *Server) handleRemember(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := argsOf(request)
	tags, err := a.list("tags")
	if err != nil {
		return s.errorResult("remember", err)
	}
	m, err := s.svc.Remember(ctx, store.UpsertParams{Key: a.str("key"), Body: a.body("body"), Tags: tags})
	if err != nil {
		return s.errorResult("remember", err)
	}
	return jsonResult(m)
}

func (s *Server) handleRecall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := argsOf(request)
	res, err := s.svc.Recall(ctx, store.RecallParams{Query: a.str("key"), Tag: a.str("tag")})
	if err != nil {
		return s.errorResult("recall", err)
	}
	switch res.Outcome {
	case store.OutcomeEmptyStore:
		return mcp.NewToolResultText("The memory store is empty."), nil
	case store.OutcomeNotFound:
		return mcp.NewToolResultText("No memory found."), nil
	}
	return jsonResult(res)
}

func (s *Server) handleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := argsOf(request)
	limit := 20
	if v, ok := a["limit"].(float64); ok {
		if v < 0 {
			return s.errorResult("list_memories", &model.ValidationError{Field: "limit", Reason: "must not be negative"})
		}
		limit = int(v)
	}
	mems, err := s.svc.List(ctx, store.ListParams{Tag: a.str("tag"), Limit: limit})
	if err != nil {
		return s.errorResult("list_memories", err)
	}
	if len(mems) == 0 {
		return mcp.NewToolResultText("No memories stored."), nil
	}
	return jsonResult(mems)
}

func (s *Server) handleDelete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := argsOf(request)
	at, err := a.timestamp("created_at")
	if err != nil {
		return s.errorResult("delete_memory", err)
	}
	ok, err := s.svc.Delete(ctx, store.DeleteParams{Key: a.str("key"), CreatedAt: at})
	if err != nil {
		return s.errorResult("delete_memory", err)
	}
	if !ok {
		return mcp.NewToolResultText(fmt.Sprintf("No memory found for '%s'.", a.str("key"))), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Memory '%s' deleted.", a.str("key"))), nil
}

func (s *Server) handleEdit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := argsOf(request)
	at, err := a.timestamp("created_at")
	if err != nil {
		return s.errorResult("edit_memory", err)
	}

	var patch store.Patch
	if a.has("new_key") {
		k := a.str("new_key")
		patch.Key = &k
	}
	patch.Body = a.body("body")
	if a.has("tags") {
		tags, err := a.list("tags")
		if err != nil {
			return s.errorResult("edit_memory", err)
		}
		if tags == nil {
			tags = []string{}
		}
		patch.Tags = &tags
	}
	if patch.CreatedAt, err = a.timestamp("new_created_at"); err != nil {
		return s.errorResult("edit_memory", err)
	}

	m, err := s.svc.Edit(ctx, store.EditParams{Key: a.str("key"), CreatedAt: at, Patch: patch})
	if err != nil {
		return s.errorResult("edit_memory", err)
	}
	return jsonResult(m)
}

func (s *Server) handleBackup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, path, err := s.svc.Export(ctx)
	if err != nil {
		return s.errorResult("backup_memories", err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Backed up %d memories to %s.", doc.Count, path)), nil
}

func (s *Server) handleCategories(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.svc.Categories())
}
