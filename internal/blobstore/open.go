package blobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/config"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
)

// Open returns the backend selected by cfg.Backend, with every call bounded
// by cfg.Timeout. retention is the cleanup window; badger blobs expire one
// extra window after it as a backstop for lost cleanup jobs.
func Open(ctx context.Context, cfg config.BlobConfig, retention time.Duration, logger *logging.Logger) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case "s3":
		s, err = NewS3Store(ctx, cfg.S3)
	case "badger":
		var opts []BadgerOption
		if retention > 0 {
			opts = append(opts, WithTTL(2*retention))
		}
		s, err = OpenBadger(cfg.Badger.Path, cfg.Badger.InMemory, logger, opts...)
	default:
		return nil, fmt.Errorf("blobstore: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return WithTimeout(s, cfg.Timeout), nil
}
