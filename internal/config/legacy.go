package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Single-value files written by earlier releases; read only as a last resort.
const (
	legacyPortFile       = "port.conf"
	legacyOllamaPortFile = "ollamaPort.conf"
)

type legacyValues struct {
	port       string
	ollamaPort string
}

func readLegacy(dir string) legacyValues {
	if dir == "" {
		return legacyValues{}
	}
	return legacyValues{
		port:       readTrimmed(filepath.Join(dir, legacyPortFile)),
		ollamaPort: readTrimmed(filepath.Join(dir, legacyOllamaPortFile)),
	}
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
