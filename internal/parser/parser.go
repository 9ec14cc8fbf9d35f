package parser

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/conorfennell/metis/internal/domain"
)

const (
	sourcePrefix = "Source:"
	typePrefix   = "Type:"
	tagsPrefix   = "Tags:"
	gemPrefix    = "Gem:"
	separator    = "---"

	maxLineSize = 1024 * 1024
)

type state int

const (
	seeking state = iota
	readingHeader
	readingGem
)

// ParseFile reads a file from the given path and extracts all gems.
func ParseFile(path string) ([]domain.Gem, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads from an io.Reader and extracts all gems.
//
// A gem is written as
//
//	Source: Deep Work
//	Type: quote
//	Tags: focus, craft
//	Gem: Clarity about what matters provides clarity
//	about what does not.
//
// Only the Gem line may continue over several lines. Entries are separated
// by "---" or by starting a new Source or Gem line after a gem's content.
func Parse(r io.Reader) ([]domain.Gem, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxLineSize)
	var gems []domain.Gem
	var current domain.Gem
	var contentLines []string
	currentState := seeking

	finishGem := func() {
		if len(contentLines) > 0 {
			current.Content = strings.TrimSpace(strings.Join(contentLines, "\n"))
			contentLines = nil
		}
		if current.Content != "" {
			if current.Type == "" {
				current.Type = domain.DefaultGemType
			}
			gems = append(gems, current)
		}
		current = domain.Gem{}
		currentState = seeking
	}

	for scanner.Scan() {
		line := scanner.Text()

		if strings.TrimSpace(line) == separator {
			finishGem()
			continue
		}

		switch {
		case strings.HasPrefix(line, sourcePrefix):
			if currentState == readingGem {
				finishGem()
			}
			current.Title = value(line, sourcePrefix)
			currentState = readingHeader
		case strings.HasPrefix(line, typePrefix) && currentState != readingGem:
			current.Type = value(line, typePrefix)
			currentState = readingHeader
		case strings.HasPrefix(line, tagsPrefix) && currentState != readingGem:
			current.Tags = SplitTags(value(line, tagsPrefix))
			currentState = readingHeader
		case strings.HasPrefix(line, gemPrefix):
			if currentState == readingGem {
				// A second Gem line reuses the header of the previous entry.
				header := domain.Gem{Title: current.Title, Type: current.Type, Tags: current.Tags}
				finishGem()
				current = header
			}
			currentState = readingGem
			contentLines = append(contentLines, value(line, gemPrefix))
		case currentState == readingGem:
			contentLines = append(contentLines, line)
		}
	}

	finishGem() // Finish the very last gem in the file

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return gems, nil
}

// SplitTags splits a comma separated tag list, trimming blanks and
// dropping empty or repeated tags.
func SplitTags(raw string) []string {
	var tags []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		tag := strings.TrimPrefix(strings.TrimSpace(part), "#")
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}

func value(line, prefix string) string {
	return strings.TrimSpace(line[len(prefix):])
}
