//go:build windows

package remote

import (
	"golang.org/x/sys/windows/registry"
)

var registryKeys = []string{
	`SOFTWARE\Tailscale IPN`,
	`SOFTWARE\WOW6432Node\Tailscale IPN`,
}

// installDirFromRegistry reads the agent's install directory from HKLM.
func installDirFromRegistry() string {
	for _, path := range registryKeys {
		k, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE)
		if err != nil {
			continue
		}
		dir, _, err := k.GetStringValue("InstallDir")
		_ = k.Close()
		if err == nil && dir != "" {
			return dir
		}
	}
	return ""
}
