// Package vector mirrors stored conversations into an embedded
// chromem-go index so tooling can find them by meaning instead of
// keywords. Indexing is advisory: the ingest path calls it after a
// conversation changes and tolerates failure.
package vector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"github.com/lorehq/lore/internal/config"
	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/internal/ingest"
	"github.com/lorehq/lore/pkg/models"
)

// maxDocumentBytes bounds the text handed to the embedder; the cap is
// approximate, a document may exceed it by one message.
const maxDocumentBytes = 8 * 1024

// Indexer keeps one document per conversation in a persistent chromem
// collection, replaced on re-index.
type Indexer struct {
	col   *chromem.Collection
	convs *db.ConversationStore
	model string
}

var _ ingest.Indexer = (*Indexer)(nil)

// NewIndexer opens the persistent collection under cfg.Path. Returns
// (nil, nil) when indexing is disabled; callers assign the result to the
// consumer interface only when non-nil.
func NewIndexer(cfg config.VectorConfig, store *db.Store) (*Indexer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	embed, model, err := embeddingFunc(cfg)
	if err != nil {
		return nil, err
	}
	return newIndexer(cfg, store, embed, model)
}

func newIndexer(cfg config.VectorConfig, store *db.Store, embed chromem.EmbeddingFunc, model string) (*Indexer, error) {
	if err := os.MkdirAll(cfg.Path, 0750); err != nil {
		return nil, fmt.Errorf("create vector dir: %w", err)
	}
	vdb, err := chromem.NewPersistentDB(cfg.Path, false)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	col, err := vdb.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", cfg.Collection, err)
	}

	log.Info().
		Str("collection", cfg.Collection).
		Str("model", model).
		Int("documents", col.Count()).
		Msg("Vector index opened")
	return &Indexer{col: col, convs: db.NewConversationStore(store), model: model}, nil
}

// embeddingFunc builds the chromem embedding callback for the configured
// provider. Ollama needs no credentials; OpenAI needs a key from config
// or OPENAI_API_KEY.
func embeddingFunc(cfg config.VectorConfig) (chromem.EmbeddingFunc, string, error) {
	switch cfg.Provider {
	case "", "ollama":
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		url := cfg.OllamaURL
		if url == "" {
			url = "http://localhost:11434"
		}
		return chromem.NewEmbeddingFuncOllama(model, url), "ollama/" + model, nil
	case "openai":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			return nil, "", errors.New("openai embedding provider requires vector.api_key or OPENAI_API_KEY")
		}
		model := cfg.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		return chromem.NewEmbeddingFuncOpenAI(key, chromem.EmbeddingModelOpenAI(model)), "openai/" + model, nil
	default:
		return nil, "", fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// IndexConversation replaces the conversation's document and stamps the
// embedding marker on the stored row.
func (ix *Indexer) IndexConversation(ctx context.Context, conv *models.Conversation, messages []*models.Message) error {
	if conv == nil || conv.Deleted() {
		return nil
	}
	content := buildDocument(conv, messages)
	if content == "" {
		return nil
	}

	doc := chromem.Document{
		ID:      conv.ID,
		Content: content,
		Metadata: map[string]string{
			"provider":     conv.Provider,
			"title":        conv.Title.String,
			"project_path": conv.ProjectPath.String,
		},
	}
	if err := ix.col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("index conversation %s: %w", conv.ID, err)
	}
	if err := ix.convs.MarkEmbedded(ctx, conv.ID, ix.model); err != nil {
		return fmt.Errorf("mark embedded %s: %w", conv.ID, err)
	}
	return nil
}

// Result is one semantic search hit.
type Result struct {
	ConversationID string  `json:"conversation_id"`
	Title          string  `json:"title,omitempty"`
	ProjectPath    string  `json:"project_path,omitempty"`
	Similarity     float32 `json:"similarity"`
}

// Search returns up to k conversations nearest to the query.
func (ix *Indexer) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	// chromem rejects result counts above the document count.
	if n := ix.col.Count(); n < k {
		if n == 0 {
			return nil, nil
		}
		k = n
	}

	hits, err := ix.col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query vector index: %w", err)
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{
			ConversationID: h.ID,
			Title:          h.Metadata["title"],
			ProjectPath:    h.Metadata["project_path"],
			Similarity:     h.Similarity,
		})
	}
	return out, nil
}

// Count returns the number of indexed conversations.
func (ix *Indexer) Count() int {
	return ix.col.Count()
}

// buildDocument flattens a conversation into one embeddable text block:
// the title, then role-prefixed turns until the size cap.
func buildDocument(conv *models.Conversation, messages []*models.Message) string {
	var b strings.Builder
	if conv.Title.Valid && conv.Title.String != "" {
		b.WriteString(conv.Title.String)
		b.WriteString("\n\n")
	}
	for _, msg := range messages {
		if b.Len() >= maxDocumentBytes {
			break
		}
		text := strings.TrimSpace(msg.Content)
		if text == "" {
			continue
		}
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
