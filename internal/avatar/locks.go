package avatar

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const lockPrefix = "Singleton"

// RemoveLocks deletes Chromium's Singleton* lock files from every profile
// under profilesDir. A browser that exited uncleanly leaves them behind and
// refuses to reuse the profile. It returns the number of files removed.
func RemoveLocks(profilesDir string) (int, error) {
	profiles, err := os.ReadDir(profilesDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, profile := range profiles {
		if !profile.IsDir() {
			continue
		}
		dir := filepath.Join(profilesDir, profile.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, entry := range entries {
			if !strings.HasPrefix(entry.Name(), lockPrefix) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// ProfileDir is the browser profile directory for an account.
func ProfileDir(profilesDir, account string) string {
	return filepath.Join(profilesDir, "profile-"+account)
}
