// Package cluster implements the normalization of raw cluster status payloads
// into the display model consumed by the dashboard.
package cluster

// NodeType is the hardware class of a node derived from its GRES description.
type NodeType string

// Known node types.
const (
	NodeTypeA6000     NodeType = "A6000"
	NodeTypeRTX2080Ti NodeType = "RTX2080Ti"
	NodeTypeV100      NodeType = "V100"
	NodeTypeUnknown   NodeType = "Unknown"
)

// RawClusterStatus is the payload produced by the collector. Every field is
// optional and absent fields decode to zero values.
type RawClusterStatus struct {
	Timestamp  string        `json:"timestamp,omitempty"`
	Nodes      []RawNode     `json:"nodes"`
	Partitions RawPartitions `json:"partitions"`
}

// RawNode is a node record as reported by the scheduler. Memory values are
// in bytes.
type RawNode struct {
	NodeName   string  `json:"NodeName"`
	AllocCPUs  float64 `json:"AllocCPUs"`
	CPUTot     float64 `json:"CPUTot"`
	AllocGRES  string  `json:"AllocGRES"`
	TotalGRES  string  `json:"TotalGRES"`
	FreeMem    float64 `json:"FreeMem"`
	RealMemory float64 `json:"RealMemory"`
	AllocMem   float64 `json:"AllocMem"`
	State      string  `json:"State"`
	Gres       string  `json:"Gres,omitempty"`
	Features   string  `json:"Features,omitempty"`
}

// RawPartition contains the per user job summaries of a partition.
type RawPartition struct {
	CurrentUser string    `json:"currentUser"`
	Users       []RawUser `json:"users"`
}

// RawUser is the job summary of a single user. Jobs is nil when the
// payload does not carry a jobs array.
type RawUser struct {
	Name              string   `json:"name"`
	Jobs              []RawJob `json:"jobs"`
	TotalCPU          float64  `json:"totalCpu"`
	TotalCPUAvailable float64  `json:"totalCpuAvailable"`
	TotalGPU          float64  `json:"totalGpu"`
	TotalGPUAvailable float64  `json:"totalGpuAvailable"`
	TotalMem          float64  `json:"totalMem"`
	TotalMemAvailable float64  `json:"totalMemAvailable"`
}

// RawJob is the resource usage of a job on one node.
type RawJob struct {
	Node     string  `json:"node"`
	CPU      float64 `json:"cpu"`
	CPUTotal float64 `json:"cpuTotal"`
	GPU      float64 `json:"gpu"`
	GPUTotal float64 `json:"gpuTotal"`
	Mem      float64 `json:"mem"`
	MemTotal float64 `json:"memTotal"`
}

// NamedRawPartition is a raw partition with its name.
type NamedRawPartition struct {
	Name      string
	Partition RawPartition
}

// RawPartitions is an ordered mapping of partition name to partition that
// keeps the key order of the JSON document.
type RawPartitions []NamedRawPartition

// Status is the display ready cluster status.
type Status struct {
	LastUpdated string     `json:"lastUpdated"`
	Nodes       []Node     `json:"nodes"`
	Partitions  Partitions `json:"partitions"`
}

// Node is a display ready node row.
type Node struct {
	Name     string   `json:"name"`
	CPU      string   `json:"cpu"`
	GPU      string   `json:"gpu"`
	UnreqMem string   `json:"unreqMem"`
	FreeMem  string   `json:"freeMem"`
	Status   string   `json:"status"`
	Type     NodeType `json:"type"`
}

// UsageSummary is a formatted `<used> (<pct>%)` string.
type UsageSummary string

// Job is the display ready usage of a job on one node.
type Job struct {
	Node string       `json:"node"`
	CPU  UsageSummary `json:"cpu"`
	GPU  UsageSummary `json:"gpu"`
	Mem  UsageSummary `json:"mem"`
}

// Totals is the aggregated usage of a user in a partition.
type Totals struct {
	CPU UsageSummary `json:"cpu"`
	GPU UsageSummary `json:"gpu"`
	Mem UsageSummary `json:"mem"`
}

// User is the display ready job summary of a user.
type User struct {
	Name          string `json:"name"`
	IsCurrentUser bool   `json:"isCurrentUser"`
	Jobs          []Job  `json:"jobs"`
	Total         Totals `json:"total"`
}

// Partition is the display ready partition.
type Partition struct {
	Users []User `json:"users"`
}

// NamedPartition is a partition with its name.
type NamedPartition struct {
	Name      string
	Partition Partition
}

// Partitions is an ordered mapping of partition name to partition. It
// marshals into a JSON object preserving the order.
type Partitions []NamedPartition

// Get returns the partition with the given name.
func (p Partitions) Get(name string) (Partition, bool) {
	for _, np := range p {
		if np.Name == name {
			return np.Partition, true
		}
	}

	return Partition{}, false
}

// Names returns partition names in order.
func (p Partitions) Names() []string {
	names := make([]string, len(p))
	for i, np := range p {
		names[i] = np.Name
	}

	return names
}

// Source tells where a Status came from.
type Source int

// Status sources.
const (
	SourceLive Source = iota
	SourceMock
)

func (s Source) String() string {
	if s == SourceMock {
		return "mock"
	}

	return "live"
}
