//go:build !windows

package remote

func installDirFromRegistry() string {
	return ""
}
