package shapes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lbds137/tzurot/internal/models"
)

// ExportFile is one formatted export artifact.
type ExportFile struct {
	Name     string
	Body     []byte
	Metadata map[string]interface{}
}

// Format renders the data set in the requested format. Unknown formats
// default to JSON.
func Format(data *models.ShapesData, format string) (*ExportFile, error) {
	switch format {
	case "markdown":
		return formatMarkdown(data)
	default:
		return formatJSON(data)
	}
}

func formatJSON(data *models.ShapesData) (*ExportFile, error) {
	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode export: %w", err)
	}
	return &ExportFile{
		Name:     exportFileName(data.Config.Slug, "json"),
		Body:     body,
		Metadata: exportMetadata(data, "json"),
	}, nil
}

func formatMarkdown(data *models.ShapesData) (*ExportFile, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", data.Config.Name)
	fmt.Fprintf(&b, "- Slug: `%s`\n", data.Config.Slug)
	if data.Config.Model != "" {
		fmt.Fprintf(&b, "- Model: `%s`\n", data.Config.Model)
	}
	if data.Config.VisionModel != "" {
		fmt.Fprintf(&b, "- Vision model: `%s`\n", data.Config.VisionModel)
	}

	if data.Config.SystemPrompt != "" {
		b.WriteString("\n## System prompt\n\n")
		b.WriteString(data.Config.SystemPrompt)
		b.WriteString("\n")
	}

	if len(data.Memories) > 0 {
		b.WriteString("\n## Memories\n\n")
		for _, mem := range data.Memories {
			fmt.Fprintf(&b, "- %s\n", mem.Text)
		}
	}

	if len(data.Stories) > 0 {
		b.WriteString("\n## Stories\n")
		for _, story := range data.Stories {
			title := story.Title
			if title == "" {
				title = "Untitled"
			}
			fmt.Fprintf(&b, "\n### %s\n\n%s\n", title, story.Body)
		}
	}

	if len(data.UserPersonalization) > 0 {
		b.WriteString("\n## Personalization\n\n")
		for key, value := range data.UserPersonalization {
			fmt.Fprintf(&b, "- **%s**: %s\n", key, value)
		}
	}

	return &ExportFile{
		Name:     exportFileName(data.Config.Slug, "md"),
		Body:     []byte(b.String()),
		Metadata: exportMetadata(data, "markdown"),
	}, nil
}

func exportFileName(slug, ext string) string {
	return fmt.Sprintf("%s-export-%s.%s", slug, time.Now().UTC().Format("2006-01-02"), ext)
}

func exportMetadata(data *models.ShapesData, format string) map[string]interface{} {
	return map[string]interface{}{
		"format":        format,
		"slug":          data.Config.Slug,
		"memory_count":  len(data.Memories),
		"story_count":   len(data.Stories),
		"exported_at":   time.Now().UTC().Format(time.RFC3339),
	}
}
