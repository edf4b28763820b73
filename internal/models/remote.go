package models

// AgentInfo is what the mesh agent reports about this node.
type AgentInfo struct {
	BinaryPath   string
	BackendState string
	IP           string
	Hostname     string
}

// Running reports whether the agent is connected to the mesh.
func (a AgentInfo) Running() bool {
	return a.BackendState == "Running"
}

// ProbeFlag is a single health probe outcome.
type ProbeFlag struct {
	OK   bool
	Hint string
}

// HealthReport is the remote-access health probe result.
type HealthReport struct {
	AgentRunning          ProbeFlag
	NextcloudPortDetected ProbeFlag
	IPReachable           ProbeFlag
	HostnameReachable     ProbeFlag
}

// SyncResult is the outcome of a trusted-domains sync.
type SyncResult struct {
	Before    []string
	After     []string
	Added     []string
	Restarted bool
}
