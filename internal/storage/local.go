package storage

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

func writeLocal(fs afero.Fs, localPath string, content []byte) error {
	if err := fs.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed creating directory for %s: %w", localPath, err)
	}
	if err := afero.WriteFile(fs, localPath, content, 0o644); err != nil {
		return fmt.Errorf("failed writing %s: %w", localPath, err)
	}
	return nil
}
