package models

// ContainerInfo describes a running Nextcloud container.
type ContainerInfo struct {
	ID    string
	Name  string
	Image string
	State string
	Ports map[int]int // host port -> container port
}

// HostPortFor returns the host port bound to the given container port, or 0.
func (c ContainerInfo) HostPortFor(containerPort int) int {
	for host, cport := range c.Ports {
		if cport == containerPort {
			return host
		}
	}
	return 0
}

// ContainerPair names the app and db containers of a restored instance.
type ContainerPair struct {
	App     string
	DB      string // empty for sqlite
	Network string
}

// Topology is the declarative two-service layout written as a compose document.
type Topology struct {
	Services map[string]TopologyService `yaml:"services"`
	Networks map[string]TopologyNetwork `yaml:"networks"`
}

// TopologyService is one container in the topology.
type TopologyService struct {
	Image         string            `yaml:"image"`
	ContainerName string            `yaml:"container_name"`
	Environment   map[string]string `yaml:"environment,omitempty"`
	Ports         []string          `yaml:"ports,omitempty"`
	Networks      []string          `yaml:"networks"`
	DependsOn     []string          `yaml:"depends_on,omitempty"`
	Restart       string            `yaml:"restart,omitempty"`
}

// TopologyNetwork is a container network in the topology.
type TopologyNetwork struct {
	Name   string `yaml:"name"`
	Driver string `yaml:"driver"`
}

// ContainerErrorKind classifies a failed container operation.
type ContainerErrorKind string

// Container failure sub-kinds.
const (
	ContainerPortConflict     ContainerErrorKind = "port_conflict"
	ContainerImageNotFound    ContainerErrorKind = "image_not_found"
	ContainerNameConflict     ContainerErrorKind = "name_conflict"
	ContainerNetworkError     ContainerErrorKind = "network_error"
	ContainerVolumeError      ContainerErrorKind = "volume_error"
	ContainerDaemonNotRunning ContainerErrorKind = "daemon_not_running"
	ContainerPermissionDenied ContainerErrorKind = "permission_denied"
	ContainerDiskSpace        ContainerErrorKind = "disk_space_error"
	ContainerUnknown          ContainerErrorKind = "unknown"
)

// ContainerFailure is the detail attached to a classified container error.
type ContainerFailure struct {
	Kind             ContainerErrorKind
	Container        string
	Port             int
	Stderr           string
	Suggestion       string
	AlternativePorts []int
	LogPath          string
}
