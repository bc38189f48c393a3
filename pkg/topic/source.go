// Package topic abstracts the external topical-item source. The core only
// needs keyed fetch with an exclusion list for regenerate flows.
package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/comicbot/dailycomic/pkg/model"
)

// Source fetches the topic for a date. Titles in exclude were rejected by the
// operator earlier in the same run and must not be returned again.
type Source interface {
	Fetch(ctx context.Context, date string, exclude []string) (model.Topic, error)
}

// FileSource reads pre-fetched topics from dir/<date>.json. The file holds
// either a single topic object or an array ordered by relevance; the first
// entry not on the exclusion list wins.
type FileSource struct {
	Dir string
}

type topicEntry struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Fetch returns the day's topic, skipping excluded titles.
func (s *FileSource) Fetch(_ context.Context, date string, exclude []string) (model.Topic, error) {
	path := filepath.Join(s.Dir, date+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Topic{}, model.ErrNotFound
		}
		return model.Topic{}, fmt.Errorf("failed to read topic file: %w", err)
	}

	var entries []topicEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		var single topicEntry
		if err := json.Unmarshal(data, &single); err != nil {
			return model.Topic{}, fmt.Errorf("failed to parse topic file %s: %w", path, err)
		}
		entries = []topicEntry{single}
	}

	excluded := make(map[string]bool, len(exclude))
	for _, title := range exclude {
		excluded[title] = true
	}

	for _, entry := range entries {
		if entry.Title == "" || excluded[entry.Title] {
			continue
		}
		return model.Topic{
			Date:      date,
			Title:     entry.Title,
			Content:   entry.Content,
			FetchedAt: time.Now(),
		}, nil
	}
	return model.Topic{}, model.ErrNotFound
}
