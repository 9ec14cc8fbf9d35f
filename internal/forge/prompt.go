package forge

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"
)

// Placeholder is replaced with the gem's content in vault prompts.
const Placeholder = "{{GEM_CONTENT}}"

const defaultForgePrompt = `Turn the following insight into three concrete action items that can be applied to a business right away. Number each item and leave a blank line between them: "%s"`

const synthesisPrompt = `Here are two core ideas. 1. "%s": %s 2. "%s": %s. Find the principle they share and combine them into a single new insight or actionable framework. Give the result a title and a body.`

// ForgePrompt builds the prompt for forging content. An empty template
// selects the default action-item prompt; otherwise the first placeholder
// in the template is replaced.
func ForgePrompt(tmpl, content string) string {
	if strings.TrimSpace(tmpl) == "" {
		return fmt.Sprintf(defaultForgePrompt, content)
	}
	return strings.Replace(tmpl, Placeholder, content, 1)
}

// SynthesisPrompt builds the prompt that links two gems into a new insight.
func SynthesisPrompt(titleA, contentA, titleB, contentB string) string {
	return fmt.Sprintf(synthesisPrompt, titleA, contentA, titleB, contentB)
}

var markdown = goldmark.New(goldmark.WithRendererOptions(html.WithHardWraps()))

// RenderMarkdown converts generated text to HTML. Raw HTML in the input
// is not passed through.
func RenderMarkdown(text string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}
