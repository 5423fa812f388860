package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/sift/internal/item"
	"github.com/kalambet/sift/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store storage.Store
}

// NewMCPServer creates an MCP server exposing the item lifecycle to agents:
// sharing content, inspecting items, answering follow-ups and watching the
// queue.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"sift",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("sift stores shared content as items and enriches them asynchronously: analysis, timeline and follow-up pipelines driven by a background job queue."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("share_item",
			mcp.WithDescription("Store a piece of content as a new item and queue its analysis."),
			mcp.WithString("owner", mcp.Description("Owner of the item"), mcp.Required()),
			mcp.WithString("content", mcp.Description("The content: text, a URL, or a file path"), mcp.Required()),
			mcp.WithString("type", mcp.Description("Content type: text, web_url, image, video, audio, file or screenshot (default text)")),
			mcp.WithString("title", mcp.Description("Optional initial title")),
		),
		mcpShareItem(deps),
	)

	s.AddTool(
		mcp.NewTool("list_items",
			mcp.WithDescription("List items in a given lifecycle status, oldest first."),
			mcp.WithString("status", mcp.Description("Lifecycle status: new, analyzing, analyzed, timeline, follow_up, processed or soft_deleted"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListItems(deps),
	)

	s.AddTool(
		mcp.NewTool("get_item",
			mcp.WithDescription("Fetch a single item with its analysis and notes."),
			mcp.WithString("id", mcp.Description("Item ID"), mcp.Required()),
		),
		mcpGetItem(deps),
	)

	s.AddTool(
		mcp.NewTool("answer_follow_up",
			mcp.WithDescription("Answer an item's follow-up question with a note and queue its re-analysis."),
			mcp.WithString("id", mcp.Description("Item ID"), mcp.Required()),
			mcp.WithString("text", mcp.Description("The answer"), mcp.Required()),
		),
		mcpAnswerFollowUp(deps),
	)

	s.AddTool(
		mcp.NewTool("job_stats",
			mcp.WithDescription("Report queue depth: job counts grouped by job type and status."),
		),
		mcpJobStats(deps),
	)

	return s
}

func mcpShareItem(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner, err := req.RequireString("owner")
		if err != nil {
			return mcpError("owner is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		typ := req.GetString("type", string(item.TypeText))

		it := item.Item{
			ID:      uuid.New().String(),
			Owner:   owner,
			Type:    item.Type(typ),
			Content: content,
			Title:   req.GetString("title", ""),
			Status:  item.StatusNew,
		}
		if err := deps.Store.CreateItem(it); err != nil {
			return mcpError(fmt.Sprintf("failed to create item: %v", err)), nil
		}

		for _, jobType := range []string{storage.JobAnalysis, storage.JobNormalize} {
			if _, err := deps.Store.Enqueue(it.ID, it.Owner, jobType, ""); err != nil && !errors.Is(err, storage.ErrDuplicateJob) {
				return mcpError(fmt.Sprintf("item stored but queueing %s failed: %v", jobType, err)), nil
			}
		}

		return mcpText(fmt.Sprintf("Stored item %s, analysis queued", it.ID)), nil
	}
}

func mcpListItems(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := item.Status(req.GetString("status", ""))
		if !status.Known() {
			return mcpError(fmt.Sprintf("unknown status %q", status)), nil
		}
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}

		items, err := deps.Store.ItemsByStatus(status, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list items: %v", err)), nil
		}
		return mcpJSON(map[string]any{"items": items})
	}
}

func mcpGetItem(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		it, err := deps.Store.GetItem(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError("item not found"), nil
			}
			return mcpError(fmt.Sprintf("failed to read item: %v", err)), nil
		}
		notes, err := deps.Store.Notes(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read notes: %v", err)), nil
		}
		return mcpJSON(map[string]any{"item": it, "notes": notes})
	}
}

func mcpAnswerFollowUp(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		it, err := deps.Store.GetItem(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError("item not found"), nil
			}
			return mcpError(fmt.Sprintf("failed to read item: %v", err)), nil
		}
		if it.Status != item.StatusFollowUp {
			return mcpError(fmt.Sprintf("item is %s, not waiting on a follow-up", it.Status)), nil
		}

		n := item.Note{
			ID:       uuid.New().String(),
			ItemID:   it.ID,
			Owner:    it.Owner,
			Text:     text,
			NoteType: item.NoteFollowUp,
		}
		if err := deps.Store.CreateNote(n); err != nil {
			return mcpError(fmt.Sprintf("failed to store note: %v", err)), nil
		}

		if _, err := deps.Store.Enqueue(it.ID, it.Owner, storage.JobFollowUp, `{"source":"mcp"}`); err != nil && !errors.Is(err, storage.ErrDuplicateJob) {
			return mcpError(fmt.Sprintf("note stored but queueing re-analysis failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Answer recorded for item %s, re-analysis queued", it.ID)), nil
	}
}

func mcpJobStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		counts, err := deps.Store.JobCounts()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to count jobs: %v", err)), nil
		}
		return mcpJSON(counts)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
