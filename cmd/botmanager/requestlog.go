package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/banankicks/donutbets-render/internal/verify"
)

// openRequestLog opens the verification request database under dataDir.
func openRequestLog(dataDir string) (*verify.Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return verify.Open(filepath.Join(dataDir, "tpa_requests.db"))
}
