package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves filePath into stateDir/quarantine and records reason next
// to it. It returns the quarantined path.
func Quarantine(stateDir, filePath, reason string) (string, error) {
	quarantineDir := filepath.Join(stateDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	timestamp := time.Now().Format("20060102T150405.000")
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), timestamp)
	dst := filepath.Join(quarantineDir, name)

	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	if reason != "" {
		if err := os.WriteFile(dst+".reason", []byte(reason+"\n"), 0644); err != nil {
			return dst, fmt.Errorf("write quarantine reason: %w", err)
		}
	}
	return dst, nil
}
