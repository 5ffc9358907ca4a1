// Package prompt holds the model instructions used by the pipeline.
// Defaults can be overridden per key from a YAML file.
package prompt

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Set is the full collection of prompt templates. Placeholders are written
// as {name} and filled by Render.
type Set struct {
	// Augment wraps retrieved context around the question. Placeholders: {context}, {question}.
	Augment string `yaml:"augment"`
	// Summarize is the system message of one reduce step. Placeholders: {summary}, {window}.
	Summarize string `yaml:"summarize"`
	// Compose is the system message of the final answer. Placeholders: {summary}, {constraints}.
	Compose string `yaml:"compose"`
	// Describe asks the vision model about a page image.
	Describe string `yaml:"describe"`
}

func Defaults() Set {
	return Set{
		Augment: "Use the following context as supporting material to answer the question. " +
			"Each piece of context is delimited by ###CHUNK START### and ###CHUNK END###. " +
			"You may use outside knowledge, but the context takes priority when they disagree, " +
			"and you do not need to use every chunk.\n\n" +
			"Context:\n{context}\n\nQuestion: {question}",
		Summarize: "You are condensing course material for a student's question. " +
			"Combine the summary so far with the new excerpt into one updated summary. " +
			"Keep only information relevant to the conversation that follows.\n\n" +
			"Summary so far:\n{summary}\n\nNew excerpt:\n{window}",
		Compose: "You are a course assistant. Answer the student's last message using the summary and context provided. " +
			"Satisfy these constraints: {constraints}.\n\nSummary of course documents:\n{summary}",
		Describe: "Describe the figures, diagrams, charts, tables and other visual elements on this page of course material. " +
			"Be concise and factual. If the page contains only text, reply exactly: No visual elements detected",
	}
}

// Load returns Defaults with any non-empty keys from path applied.
// An empty path yields Defaults.
func Load(path string) (Set, error) {
	set := Defaults()
	if path == "" {
		return set, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return set, fmt.Errorf("failed to read prompts file: %w", err)
	}
	var override Set
	if err := yaml.Unmarshal(data, &override); err != nil {
		return set, fmt.Errorf("failed to parse prompts file: %w", err)
	}
	if override.Augment != "" {
		set.Augment = override.Augment
	}
	if override.Summarize != "" {
		set.Summarize = override.Summarize
	}
	if override.Compose != "" {
		set.Compose = override.Compose
	}
	if override.Describe != "" {
		set.Describe = override.Describe
	}
	return set, nil
}

// Render replaces {key} placeholders in tmpl. Values are inserted verbatim
// and are not themselves scanned for placeholders.
func Render(tmpl string, values map[string]string) string {
	pairs := make([]string, 0, 2*len(values))
	for k, v := range values {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
