package store

import (
	"context"
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/rs/zerolog"
)

// SearchHit is one conversation-log match.
type SearchHit struct {
	Key     string  `json:"key"`
	Seq     int64   `json:"seq"`
	Role    string  `json:"role"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

const snippetLen = 200

type searchIndex struct {
	index bleve.Index
	log   zerolog.Logger
}

// openSearchIndex opens the index directory, creating it on first run. A
// corrupt index is discarded and rebuilt empty; search degrades, the
// conversation log itself is untouched.
func openSearchIndex(path string, log zerolog.Logger) (*searchIndex, error) {
	index, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(path, buildConversationMapping())
		if err != nil {
			return nil, fmt.Errorf("create search index: %w", err)
		}
	} else if err != nil {
		log.Warn().Str("path", path).Err(err).Msg("search index unreadable, rebuilding")
		if rerr := os.RemoveAll(path); rerr != nil {
			return nil, fmt.Errorf("remove corrupt search index: %w", rerr)
		}
		index, err = bleve.New(path, buildConversationMapping())
		if err != nil {
			return nil, fmt.Errorf("recreate search index: %w", err)
		}
	}
	return &searchIndex{index: index, log: log}, nil
}

func buildConversationMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	keyField := bleve.NewTextFieldMapping()
	keyField.Analyzer = keyword.Name
	keyField.Store = true
	keyField.Index = true
	docMapping.AddFieldMappingsAt("key", keyField)

	roleField := bleve.NewTextFieldMapping()
	roleField.Analyzer = keyword.Name
	roleField.Store = true
	roleField.Index = true
	docMapping.AddFieldMappingsAt("role", roleField)

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = true
	textField.Index = true
	docMapping.AddFieldMappingsAt("text", textField)

	seqField := bleve.NewNumericFieldMapping()
	seqField.Store = true
	seqField.Index = false
	docMapping.AddFieldMappingsAt("seq", seqField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

func (si *searchIndex) indexMessage(key string, seq int64, role, text string) error {
	doc := map[string]interface{}{
		"key":  key,
		"role": role,
		"text": text,
		"seq":  seq,
	}
	return si.index.Index(fmt.Sprintf("%s#%d", key, seq), doc)
}

func (si *searchIndex) Close() error {
	return si.index.Close()
}

// SearchConversations runs a full-text query scoped to the given
// conversation keys. No keys means no scope, which returns nothing rather
// than leaking across users.
func (s *Store) SearchConversations(ctx context.Context, query string, limit int, keys ...string) ([]SearchHit, error) {
	if len(keys) == 0 || query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	match := bleve.NewMatchQuery(query)
	match.SetField("text")

	scope := bleve.NewDisjunctionQuery()
	for _, key := range keys {
		tq := bleve.NewTermQuery(key)
		tq.SetField("key")
		scope.AddQuery(tq)
	}

	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(match, scope))
	req.Size = limit
	req.Fields = []string{"key", "role", "text", "seq"}

	res, err := s.index.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search conversations: %w", err)
	}

	hits := make([]SearchHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		h := SearchHit{Score: hit.Score}
		if key, ok := hit.Fields["key"].(string); ok {
			h.Key = key
		}
		if role, ok := hit.Fields["role"].(string); ok {
			h.Role = role
		}
		if seq, ok := hit.Fields["seq"].(float64); ok {
			h.Seq = int64(seq)
		}
		if text, ok := hit.Fields["text"].(string); ok {
			h.Snippet = snippet(text)
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetLen {
		return text
	}
	return string(runes[:snippetLen]) + "..."
}
