// Package device derives a stable, non-reversible identifier for the
// machine the client runs on.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strings"
)

// machineIDPaths are read in order; the first non-empty one wins.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
	"/sys/class/dmi/id/product_uuid",
}

// Fingerprint returns a hex SHA-256 over the machine id (when readable),
// hostname, OS and architecture. The raw identifiers never leave the
// process.
func Fingerprint() string {
	return fingerprint(readMachineID(machineIDPaths), hostname(), runtime.GOOS, runtime.GOARCH)
}

func fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:16])
}

func readMachineID(paths []string) string {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	return ""
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
