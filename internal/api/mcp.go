package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mythos-app/indexd/internal/embedding"
	"github.com/mythos-app/indexd/internal/index"
	"github.com/mythos-app/indexd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Embedder embedding.Client
	Index    index.Store
}

// NewMCPServer creates an MCP server exposing the synced index to the app's
// assistant: semantic search, per-target sync state, and queue statistics.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"indexd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("indexd keeps a writing project's vector index in sync with its documents and entities, and answers semantic search over it."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_index",
			mcp.WithDescription("Semantically search the synced chunks of a project's documents and entities."),
			mcp.WithString("project_id", mcp.Description("Project to search"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("type", mcp.Description("Restrict to \"document\" or \"entity\"")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchIndex(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_status",
			mcp.WithDescription("Report sync queue counts, or the sync state of one target when project_id, type and id are given."),
			mcp.WithString("project_id", mcp.Description("Project of the target")),
			mcp.WithString("type", mcp.Description("Target type: \"document\" or \"entity\"")),
			mcp.WithString("id", mcp.Description("Target ID")),
		),
		mcpSyncStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"indexd://stats",
			"Queue Statistics",
			mcp.WithResourceDescription("Job queue counts and index size as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpSearchIndex(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		targetType := req.GetString("type", "")
		switch targetType {
		case "", storage.TargetDocument, storage.TargetEntity:
		default:
			return mcpError(fmt.Sprintf("unknown target type %q", targetType)), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		vector, err := embedding.EmbedOne(ctx, deps.Embedder, query)
		if err != nil {
			return mcpError(fmt.Sprintf("embedding query: %v", err)), nil
		}

		points, err := deps.Index.Search(ctx, vector, limit, index.Filter{
			ProjectID:  projectID,
			TargetType: targetType,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(points) == 0 {
			return mcpText("[]"), nil
		}

		type hit struct {
			ID         string  `json:"id"`
			TargetType string  `json:"target_type"`
			TargetID   string  `json:"target_id"`
			ChunkIndex int     `json:"chunk_index"`
			Text       string  `json:"text"`
			Score      float32 `json:"score"`
		}

		hits := make([]hit, len(points))
		for i, p := range points {
			hits[i] = hit{
				ID:         p.ID,
				TargetType: p.Payload.Type,
				TargetID:   p.Payload.TargetID,
				ChunkIndex: p.Payload.ChunkIndex,
				Text:       p.Payload.Text,
				Score:      p.Score,
			}
		}

		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpSyncStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID := req.GetString("project_id", "")
		targetType := req.GetString("type", "")
		targetID := req.GetString("id", "")

		// No target named: report queue-wide counts.
		if projectID == "" && targetType == "" && targetID == "" {
			stats, err := deps.Store.JobStats()
			if err != nil {
				return mcpError(fmt.Sprintf("failed to read job stats: %v", err)), nil
			}
			b, err := json.Marshal(stats)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
			}
			return mcpText(string(b)), nil
		}

		if projectID == "" || targetType == "" || targetID == "" {
			return mcpError("project_id, type and id must be given together"), nil
		}

		job, err := deps.Store.GetJob(projectID, targetType, targetID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpText(`{"status":"absent"}`), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get job: %v", err)), nil
		}

		b, err := json.Marshal(jobView(job))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := deps.Store.JobStats()
		if err != nil {
			return nil, fmt.Errorf("failed to read job stats: %w", err)
		}
		points, err := deps.Index.Count(ctx, index.Filter{})
		if err != nil {
			return nil, fmt.Errorf("failed to count points: %w", err)
		}

		b, err := json.Marshal(StatsResponse{Jobs: jobs, Points: points})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
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
