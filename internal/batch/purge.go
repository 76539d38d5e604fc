package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresuchdata/batchflow/pkg/logger"
)

// PurgeFiles deletes every file held by the service. It keeps going after a
// failed delete and returns how many files were removed.
func PurgeFiles(ctx context.Context, svc Service) (int, error) {
	log := logger.With("batch")

	files, err := svc.ListFiles(ctx)
	if err != nil {
		return 0, err
	}
	log.Info().Int("files", len(files)).Msg("Purging job service files")

	var (
		deleted int
		errs    []error
	)
	for _, f := range files {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := svc.DeleteFile(ctx, f.ID); err != nil {
			log.Warn().Err(err).Str("file_id", f.ID).Str("filename", f.Filename).Msg("Could not delete file")
			errs = append(errs, err)
			continue
		}
		deleted++
	}

	if len(errs) > 0 {
		return deleted, fmt.Errorf("purge: %d of %d files not deleted: %w", len(files)-deleted, len(files), errors.Join(errs...))
	}
	return deleted, nil
}
