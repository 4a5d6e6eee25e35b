// Package clusterconfig loads cluster membership descriptions from YAML,
// the format raftctl and other out-of-process tooling use to describe a
// cluster without depending on a running service's own JSON
// configuration file.
package clusterconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nimblekv/raft/pkg/raft"
)

// File is the on-disk shape of a cluster membership file.
type File struct {
	Servers raft.ServerSet `yaml:"servers"`
}

// Load reads and parses a cluster membership file at filePath.
func Load(filePath string) (raft.ServerSet, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", filePath, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cannot decode yaml data: %w", err)
	}

	if len(f.Servers) == 0 {
		return nil, fmt.Errorf("%s: no servers defined", filePath)
	}

	for id, server := range f.Servers {
		if server.LocalAddress == "" {
			return nil, fmt.Errorf("%s: server %q: missing localAddress", filePath, id)
		}
		if server.PublicAddress == "" {
			return nil, fmt.Errorf("%s: server %q: missing publicAddress", filePath, id)
		}
	}

	return f.Servers, nil
}
