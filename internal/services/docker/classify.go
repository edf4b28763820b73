package docker

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fgeck/nextcloud-restore/internal/models"
)

type rule struct {
	kind     models.ContainerErrorKind
	patterns []string
	match    *regexp.Regexp
	hint     string
}

// rules are checked in order; the first match wins.
var rules = []rule{
	{
		kind: models.ContainerDaemonNotRunning,
		patterns: []string{
			"cannot connect to the docker daemon",
			"is the docker daemon running",
			"error during connect",
			"docker daemon is not running",
			"docker_engine: the system cannot find the file specified",
		},
		hint: "Start Docker Desktop (or the docker service) and try again",
	},
	{
		kind: models.ContainerPortConflict,
		patterns: []string{
			"port is already allocated",
			"address already in use",
			"ports are not available",
			"only one usage of each socket address",
		},
		hint: "Choose a different host port or stop the program using it",
	},
	{
		kind: models.ContainerNameConflict,
		patterns: []string{
			"is already in use by container",
			"conflict. the container name",
		},
		hint: "Remove or rename the existing container with that name",
	},
	{
		kind: models.ContainerImageNotFound,
		patterns: []string{
			"unable to find image",
			"pull access denied",
			"manifest unknown",
			"no such image",
			"repository does not exist",
			"not found: manifest",
		},
		hint: "Check the image name and tag, and that you are online",
	},
	{
		kind: models.ContainerDiskSpace,
		patterns: []string{
			"no space left on device",
			"disk quota exceeded",
			"not enough space",
		},
		hint: "Free disk space or prune unused images with: docker system prune",
	},
	{
		kind: models.ContainerPermissionDenied,
		patterns: []string{
			"permission denied",
			"access is denied",
			"operation not permitted",
		},
		hint: "Run as a user allowed to use Docker (docker group on Linux)",
	},
	{
		kind: models.ContainerVolumeError,
		patterns: []string{
			"invalid mount config",
			"error while mounting volume",
			"invalid volume specification",
			"mounts denied",
		},
		hint: "Check the volume paths are shared with Docker and exist",
	},
	{
		kind: models.ContainerNetworkError,
		patterns: []string{
			"network not found",
			"could not attach to network",
			"failed to create endpoint",
			"error creating network",
			"no such network",
		},
		match: regexp.MustCompile(`network [^ ]+ not found`),
		hint:  "Recreate the container network or restart Docker",
	},
}

var portPattern = regexp.MustCompile(`(?:0\.0\.0\.0|127\.0\.0\.1|\[::\]|::)?:(\d{1,5})\b`)

// Classify maps docker stderr onto a failure kind. port is the host port the
// caller asked for, or 0 to extract it from the message.
func Classify(stderr string, port int) models.ContainerFailure {
	lower := strings.ToLower(stderr)
	f := models.ContainerFailure{Kind: models.ContainerUnknown, Stderr: strings.TrimSpace(stderr), Port: port}

	for _, r := range rules {
		if containsAny(lower, r.patterns) || (r.match != nil && r.match.MatchString(lower)) {
			f.Kind = r.kind
			f.Suggestion = r.hint
			break
		}
	}
	if f.Kind == models.ContainerUnknown {
		f.Suggestion = "See the error log for the full docker output"
		return f
	}

	if f.Kind == models.ContainerPortConflict {
		if f.Port == 0 {
			f.Port = extractPort(stderr)
		}
		f.AlternativePorts = AlternativePorts(f.Port)
	}
	return f
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func extractPort(stderr string) int {
	for _, m := range portPattern.FindAllStringSubmatch(stderr, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 && n <= 65535 {
			return n
		}
	}
	return 0
}

// AlternativePorts suggests up to four host ports near base.
func AlternativePorts(base int) []int {
	if base <= 0 {
		return nil
	}
	var out []int
	for _, offset := range []int{1, 2, 10, 100} {
		if p := base + offset; p <= 65535 {
			out = append(out, p)
		}
	}
	return out
}
