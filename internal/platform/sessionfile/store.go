// Package sessionfile resolves the on-disk session credential used to open a
// platform session. The credential is created by an interactive login step
// outside this system and is never written or regenerated here.
package sessionfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/chanvault/chanvault/internal/platform"
)

const defaultFileName = "chanvault.session"

// Store locates the session credential with a fixed priority order:
// the explicitly configured path, then the conventional location under the
// data directory, then the legacy fallback path.
type Store struct {
	explicit string
	dataDir  string
	legacy   string
}

// NewStore creates a Store over the configured candidate paths. Empty entries
// are skipped during resolution.
func NewStore(explicit, dataDir, legacy string) *Store {
	return &Store{
		explicit: strings.TrimSpace(explicit),
		dataDir:  strings.TrimSpace(dataDir),
		legacy:   strings.TrimSpace(legacy),
	}
}

func (s *Store) candidates() []string {
	paths := make([]string, 0, 3)
	if s.explicit != "" {
		paths = append(paths, s.explicit)
	}
	if s.dataDir != "" {
		paths = append(paths, filepath.Join(s.dataDir, defaultFileName))
	}
	if s.legacy != "" {
		paths = append(paths, s.legacy)
	}
	return paths
}

// Resolve returns the first readable credential path. When no candidate
// exists it returns a credential_missing error naming the searched locations;
// an existing but unreadable file is reported as credential_missing with the
// underlying cause so the operator can distinguish a permissions problem.
func (s *Store) Resolve() (string, error) {
	searched := s.candidates()
	if len(searched) == 0 {
		return "", platform.Errorf(platform.KindCredentialMissing, "sessionfile.resolve", "no session path configured")
	}
	var lastErr error
	for _, path := range searched {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			lastErr = err
			continue
		}
		if info.IsDir() {
			lastErr = fmt.Errorf("%s is a directory", path)
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			lastErr = err
			continue
		}
		_ = f.Close()
		return path, nil
	}
	if lastErr != nil {
		return "", platform.E(platform.KindCredentialMissing, "sessionfile.resolve", lastErr)
	}
	return "", platform.Errorf(platform.KindCredentialMissing, "sessionfile.resolve",
		"session credential not found (searched %s)", strings.Join(searched, ", "))
}
