package prompts

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-insights/pkg/delta"
	"github.com/ekaya-inc/ekaya-insights/pkg/llm"
	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

//go:embed templates.yaml
var templatesYAML []byte

// TypeTemplate is the default guidance for one search type.
type TypeTemplate struct {
	Focus        string   `yaml:"focus"`
	Guidance     []string `yaml:"guidance"`
	Significance string   `yaml:"significance"`
}

var (
	templatesOnce sync.Once
	templates     map[models.SearchType]TypeTemplate
	templatesErr  error
)

// Templates returns the embedded per-type defaults.
func Templates() (map[models.SearchType]TypeTemplate, error) {
	templatesOnce.Do(func() {
		templates = make(map[models.SearchType]TypeTemplate)
		templatesErr = yaml.Unmarshal(templatesYAML, &templates)
	})
	return templates, templatesErr
}

// TemplateFor returns the defaults for searchType, falling back to custom.
func TemplateFor(searchType models.SearchType) TypeTemplate {
	all, err := Templates()
	if err != nil {
		return TypeTemplate{Focus: "Whatever the query describes."}
	}
	if t, ok := all[searchType]; ok {
		return t
	}
	return all[models.SearchTypeCustom]
}

// SearchContext describes the saved search being analysed.
type SearchContext struct {
	Name               string
	Query              string
	SearchType         models.SearchType
	CustomInstructions string
}

// PageExcerpt is fetched page text attached to a delta item.
type PageExcerpt struct {
	ItemKey string
	URL     string
	Text    string
}

// BuildDeltaAnalysisSystemMessage returns the system message for change analysis.
func BuildDeltaAnalysisSystemMessage() string {
	return `You are a monitoring analyst. You compare two runs of a recurring search and judge whether the differences are significant enough to alert the user. You never invent facts that are not in the provided results.`
}

// BuildDeltaAnalysisPrompt renders the analysis request for a delta. The
// search's custom instructions replace the type's default guidance.
func BuildDeltaAnalysisPrompt(search SearchContext, d *delta.Delta, pages []PageExcerpt) string {
	var prompt strings.Builder

	prompt.WriteString("# Search Change Analysis\n\n")
	prompt.WriteString(fmt.Sprintf("Saved search: %s\n", search.Name))
	prompt.WriteString(fmt.Sprintf("Query: %s\n", search.Query))
	prompt.WriteString(fmt.Sprintf("Search type: %s\n\n", search.SearchType))

	prompt.WriteString("## What Matters\n\n")
	if strings.TrimSpace(search.CustomInstructions) != "" {
		prompt.WriteString(strings.TrimSpace(search.CustomInstructions))
		prompt.WriteString("\n\n")
	} else {
		tmpl := TemplateFor(search.SearchType)
		prompt.WriteString(fmt.Sprintf("Focus: %s\n", tmpl.Focus))
		for _, g := range tmpl.Guidance {
			prompt.WriteString(fmt.Sprintf("- %s\n", g))
		}
		if tmpl.Significance != "" {
			prompt.WriteString(fmt.Sprintf("\nA change is significant when: %s\n", tmpl.Significance))
		}
		prompt.WriteString("\n")
	}

	prompt.WriteString("## Changes Since The Previous Run\n\n")
	writeItems(&prompt, "New results", d.Added)
	writeItems(&prompt, "Changed results", d.Changed)
	writeItems(&prompt, "Results no longer returned", d.Removed)
	if d.Suppressed > 0 {
		prompt.WriteString(fmt.Sprintf("%d further results were omitted because they match patterns the user marked as noise.\n\n", d.Suppressed))
	}

	if len(pages) > 0 {
		prompt.WriteString("## Page Content\n\n")
		for _, p := range pages {
			prompt.WriteString(fmt.Sprintf("### %s\n", p.URL))
			prompt.WriteString(fmt.Sprintf("Key: %s\n", p.ItemKey))
			prompt.WriteString(p.Text)
			prompt.WriteString("\n\n")
		}
	}

	prompt.WriteString("## Output Format\n\n")
	prompt.WriteString("Respond in JSON with:\n")
	prompt.WriteString("- `significant`: true if the user should be alerted\n")
	prompt.WriteString("- `confidence`: 0.0-1.0, how confident you are that the change is significant\n")
	prompt.WriteString("- `summary`: 1-3 sentences describing what changed and why it matters\n")
	prompt.WriteString("- `key_changes`: Array of notable changes, each with `category`, `before`, `after`\n")
	prompt.WriteString("- `item_keys`: Keys of the results responsible for the change\n\n")

	prompt.WriteString("Example:\n")
	prompt.WriteString("```json\n")
	prompt.WriteString(`{
  "significant": true,
  "confidence": 0.82,
  "summary": "Acme announced a recall of 40,000 units, which was not reported in the previous run.",
  "key_changes": [
    {"category": "new_incident", "before": "", "after": "Product recall announced"}
  ],
  "item_keys": ["https://example.com/acme-recall"]
}
`)
	prompt.WriteString("```\n\n")
	prompt.WriteString("Return ONLY the JSON, no additional text.\n")

	return prompt.String()
}

func writeItems(prompt *strings.Builder, heading string, items []delta.Item) {
	if len(items) == 0 {
		return
	}
	prompt.WriteString(fmt.Sprintf("### %s (%d)\n", heading, len(items)))
	for _, item := range items {
		cur := item.Current()
		prompt.WriteString(fmt.Sprintf("- **%s** [key: %s, source: %s, relevance: %.2f]\n",
			oneLine(cur.Title), item.Key, cur.Source, cur.Relevance))
		if item.Kind == delta.KindChanged && item.Before != nil {
			prompt.WriteString(fmt.Sprintf("  - Changed: %s\n", strings.Join(item.Fields, ", ")))
			if item.Before.Title != cur.Title {
				prompt.WriteString(fmt.Sprintf("  - Previous title: %s\n", oneLine(item.Before.Title)))
			}
			if item.Before.Summary != cur.Summary {
				prompt.WriteString(fmt.Sprintf("  - Previous summary: %s\n", oneLine(item.Before.Summary)))
			}
			if math.Abs(item.Before.Relevance-cur.Relevance) > delta.RelevanceEpsilon {
				prompt.WriteString(fmt.Sprintf("  - Previous relevance: %.2f\n", item.Before.Relevance))
			}
		}
		if cur.Summary != "" {
			prompt.WriteString(fmt.Sprintf("  - Summary: %s\n", oneLine(cur.Summary)))
		}
		if item.Weight < 1 {
			prompt.WriteString(fmt.Sprintf("  - Resembles past noise (%s); weigh it lower\n", strings.Join(item.Matched, ", ")))
		}
	}
	prompt.WriteString("\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// DeltaAnalysis is the parsed LLM verdict on a delta.
type DeltaAnalysis struct {
	Significant bool               `json:"significant"`
	Confidence  *float64           `json:"confidence"`
	Summary     string             `json:"summary"`
	KeyChanges  []models.KeyChange `json:"key_changes"`
	ItemKeys    []string           `json:"item_keys"`
}

// Score returns the confidence that the change is significant. A verdict of
// not significant caps it at the complement of the stated confidence.
func (a *DeltaAnalysis) Score() float64 {
	c := *a.Confidence
	if a.Significant {
		return c
	}
	return math.Min(c, 1-c)
}

// ParseDeltaAnalysis decodes and validates an analysis response. A missing or
// out-of-range confidence is a response error; no value is substituted.
func ParseDeltaAnalysis(content string) (*DeltaAnalysis, error) {
	analysis, err := llm.ParseJSONResponse[DeltaAnalysis](content)
	if err != nil {
		return nil, err
	}
	if analysis.Confidence == nil {
		return nil, llm.NewError(llm.ErrorTypeResponse, "analysis is missing confidence", true, nil)
	}
	c := *analysis.Confidence
	if math.IsNaN(c) || c < 0 || c > 1 {
		return nil, llm.NewError(llm.ErrorTypeResponse,
			fmt.Sprintf("confidence %v outside [0,1]", c), true, nil)
	}
	if strings.TrimSpace(analysis.Summary) == "" {
		return nil, llm.NewError(llm.ErrorTypeResponse, "analysis is missing summary", true, nil)
	}
	return &analysis, nil
}

// RecommendationContext summarises recent false positives for one search type.
type RecommendationContext struct {
	SearchType        models.SearchType
	FalsePositiveRate float64
	Samples           int
	Patterns          []string
	Notes             []string
}

// BuildRecommendationPrompt asks for concrete prompt changes that would have
// avoided recent false positives.
func BuildRecommendationPrompt(rc RecommendationContext) string {
	var prompt strings.Builder

	prompt.WriteString("# Alert Prompt Review\n\n")
	prompt.WriteString(fmt.Sprintf("Search type: %s\n", rc.SearchType))
	prompt.WriteString(fmt.Sprintf("False positive rate: %.0f%% over %d rated alerts\n\n", rc.FalsePositiveRate*100, rc.Samples))

	tmpl := TemplateFor(rc.SearchType)
	prompt.WriteString("## Current Guidance\n\n")
	for _, g := range tmpl.Guidance {
		prompt.WriteString(fmt.Sprintf("- %s\n", g))
	}
	prompt.WriteString("\n")

	if len(rc.Patterns) > 0 {
		prompt.WriteString("## Recurring Noise Patterns\n\n")
		for _, p := range rc.Patterns {
			prompt.WriteString(fmt.Sprintf("- %s\n", p))
		}
		prompt.WriteString("\n")
	}
	if len(rc.Notes) > 0 {
		prompt.WriteString("## User Notes On False Positives\n\n")
		for _, n := range rc.Notes {
			prompt.WriteString(fmt.Sprintf("- %s\n", oneLine(n)))
		}
		prompt.WriteString("\n")
	}

	prompt.WriteString("## Output Format\n\n")
	prompt.WriteString("Respond in JSON with `recommendations`: an array of short, concrete guidance lines to add to the prompt.\n")
	prompt.WriteString("Return ONLY the JSON, no additional text.\n")
	return prompt.String()
}

// Recommendations is the parsed response to BuildRecommendationPrompt.
type Recommendations struct {
	Recommendations []string `json:"recommendations"`
}

// ParseRecommendations decodes a recommendation response.
func ParseRecommendations(content string) ([]string, error) {
	parsed, err := llm.ParseJSONResponse[Recommendations](content)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, r := range parsed.Recommendations {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, llm.NewError(llm.ErrorTypeResponse, "no recommendations in response", true, nil)
	}
	return out, nil
}

// DeterministicRecommendation is used when no LLM is available.
func DeterministicRecommendation(rc RecommendationContext) string {
	msg := fmt.Sprintf("%.0f%% of %d rated %s alerts were false positives.", rc.FalsePositiveRate*100, rc.Samples, rc.SearchType)
	if len(rc.Patterns) > 0 {
		quoted, _ := json.Marshal(rc.Patterns)
		msg += fmt.Sprintf(" Tell the analysis to treat results mentioning %s as noise unless they report a new event.", quoted)
	} else {
		msg += " Tighten the significance rule so re-published and routine coverage is not reported."
	}
	return msg
}
