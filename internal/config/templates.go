package config

import (
	"fmt"
	"os"
)

// Template returns a starter fleet definition suitable for editing.
func Template() string {
	return fleetTemplate
}

// WriteTemplate writes the starter fleet definition to path. An existing
// file is preserved unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("fleet definition already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(fleetTemplate), 0o600)
}

const fleetTemplate = `nodes:
  - name: validator-1
    role: primary
    rpc_port: 8545
    transport:
      kind: ssm
      instance_id: i-0123456789abcdef0
      region: us-east-1

  - name: validator-2
    role: secondary
    rpc_port: 8545
    transport:
      kind: ssm
      instance_id: i-0a1b2c3d4e5f60789
      region: us-east-1

  - name: validator-3
    role: backup
    rpc_port: 8545
    transport:
      kind: ssm
      instance_id: i-0fedcba9876543210
      region: us-west-2

endpoints:
  - read: https://rpc-read.example.net
    write: https://rpc-write.example.net

settings:
  allow_destructive: false
  service: validator
`
