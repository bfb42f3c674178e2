package cluster

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// TimestampLayout is the layout of LastUpdated when the payload has no timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

const unknownState = "unknown"

// Custom errors.
var (
	ErrMissingJobs = errors.New("user has no jobs array")
)

// Normalize maps a raw payload into the display model. It does no I/O and
// uses now only when the payload carries no timestamp.
//
// A user without a jobs array violates the payload contract and Normalize
// returns ErrMissingJobs instead of guessing.
func Normalize(raw *RawClusterStatus, now time.Time) (*Status, error) {
	if raw == nil {
		raw = &RawClusterStatus{}
	}

	status := &Status{
		LastUpdated: raw.Timestamp,
		Nodes:       make([]Node, 0, len(raw.Nodes)),
		Partitions:  make(Partitions, 0, len(raw.Partitions)),
	}

	if status.LastUpdated == "" {
		status.LastUpdated = now.UTC().Format(TimestampLayout)
	}

	for _, node := range raw.Nodes {
		status.Nodes = append(status.Nodes, normalizeNode(node))
	}

	for _, p := range raw.Partitions {
		partition, err := normalizePartition(p.Partition)
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", p.Name, err)
		}

		status.Partitions = append(status.Partitions, NamedPartition{Name: p.Name, Partition: partition})
	}

	return status, nil
}

func normalizeNode(node RawNode) Node {
	state := node.State
	if state == "" {
		state = unknownState
	}

	return Node{
		Name:     node.NodeName,
		CPU:      formatNumber(node.AllocCPUs) + "/" + formatNumber(node.CPUTot),
		GPU:      strconv.Itoa(ParseGRES(node.AllocGRES)) + "/" + strconv.Itoa(ParseGRES(node.TotalGRES)),
		UnreqMem: FormatMemory(node.FreeMem),
		FreeMem:  FormatMemory(node.RealMemory - node.AllocMem),
		Status:   state,
		Type:     ClassifyNode(node.Gres),
	}
}

func normalizePartition(p RawPartition) (Partition, error) {
	users := make([]User, 0, len(p.Users))

	for _, u := range p.Users {
		if u.Jobs == nil {
			return Partition{}, fmt.Errorf("user %s: %w", u.Name, ErrMissingJobs)
		}

		jobs := make([]Job, 0, len(u.Jobs))
		for _, j := range u.Jobs {
			jobs = append(jobs, Job{
				Node: j.Node,
				CPU:  FormatResourceUsage(j.CPU, j.CPUTotal),
				GPU:  FormatResourceUsage(j.GPU, j.GPUTotal),
				Mem:  FormatMemoryUsage(j.Mem, j.MemTotal),
			})
		}

		users = append(users, User{
			Name:          u.Name,
			IsCurrentUser: p.CurrentUser != "" && u.Name == p.CurrentUser,
			Jobs:          jobs,
			Total: Totals{
				CPU: FormatResourceUsage(u.TotalCPU, u.TotalCPUAvailable),
				GPU: FormatResourceUsage(u.TotalGPU, u.TotalGPUAvailable),
				Mem: FormatMemoryUsage(u.TotalMem, u.TotalMemAvailable),
			},
		})
	}

	return Partition{Users: users}, nil
}
