package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over the synced index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		project, _ := cmd.Flags().GetString("project")
		targetType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")
		full, _ := cmd.Flags().GetBool("full")

		if project == "" {
			return fmt.Errorf("--project is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/search?project=%s&q=%s&limit=%d",
			url.QueryEscape(project), url.QueryEscape(query), limit)
		if targetType != "" {
			path += "&type=" + url.QueryEscape(targetType)
		}
		if full {
			path += "&full=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var hits []struct {
			ID         string  `json:"id"`
			Score      float32 `json:"score"`
			TargetType string  `json:"target_type"`
			TargetID   string  `json:"target_id"`
			ChunkIndex int     `json:"chunk_index"`
			Preview    string  `json:"preview"`
			Text       string  `json:"text"`
		}
		if err := decodeJSON(resp, &hits); err != nil {
			return err
		}

		if len(hits) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, h := range hits {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), h.Score)
			fmt.Printf("  %s/%s chunk %d\n", h.TargetType, h.TargetID, h.ChunkIndex)
			text := h.Preview
			if h.Text != "" {
				text = h.Text
			}
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("project", "", "project to search")
	searchCmd.Flags().String("type", "", "restrict to a target type (document or entity)")
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
	searchCmd.Flags().Bool("full", false, "show full chunk text instead of previews")
}
