package config

import (
	"fmt"
	"os"

	"github.com/tunnelmesh/bucketdb/internal/replica"
	"gopkg.in/yaml.v3"
)

// EntryConfig is one bucket and its replicas as written in an entries file:
//
//	entries:
//	  - bucket: "16:0x10"
//	    copies:
//	      - node: 1
//	        state: {checksum: 0x123, doc_count: 10, total_doc_size: 10}
type EntryConfig struct {
	Bucket string         `yaml:"bucket"`
	Copies []replica.Copy `yaml:"copies"`
}

type entriesFile struct {
	Entries []EntryConfig `yaml:"entries"`
}

// LoadEntries reads an entries file.
func LoadEntries(path string) ([]EntryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entries file: %w", err)
	}

	var f entriesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse entries file: %w", err)
	}
	for i, e := range f.Entries {
		if e.Bucket == "" {
			return nil, fmt.Errorf("entries[%d]: bucket is required", i)
		}
	}
	return f.Entries, nil
}
