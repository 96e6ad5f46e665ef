package config

import (
	"hash/fnv"

	"gopkg.in/yaml.v3"
)

// DescriptorHash returns a stable FNV-1a hash of a server descriptor.
// The reload dispatcher compares hashes to detect changed servers.
// yaml.Marshal is deterministic for struct-tagged fields, so equal
// descriptors always hash equal.
func DescriptorHash(server *ServerConfig) (uint64, error) {
	data, err := yaml.Marshal(server)
	if err != nil {
		return 0, err
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64(), nil
}
