package vectorstore

import (
	"fmt"

	"github.com/fyrsmithlabs/pdfrag/internal/config"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/fyrsmithlabs/pdfrag/internal/qdrant"
)

// Open builds the Index selected by cfg.Provider. The caller still has to
// call EnsureCollection once the embedding dimension is known.
func Open(cfg config.VectorStoreConfig, logger *logging.Logger) (Index, error) {
	switch cfg.Provider {
	case "qdrant":
		client, err := qdrant.NewClient(qdrant.ConfigFromApp(cfg.Qdrant), logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to qdrant: %w", err)
		}
		return NewQdrantIndex(client, cfg.Collection, logger), nil
	case "chromem", "":
		return NewChromemIndex(cfg.Chromem.Path, cfg.Chromem.Compress, cfg.Collection, logger)
	default:
		return nil, fmt.Errorf("unsupported vectorstore provider: %s (supported: qdrant, chromem)", cfg.Provider)
	}
}
