// Package collector implements the SLURM data collector that produces the
// raw cluster status payload consumed by the dashboard.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/umiacs/nexus-status/internal/common"
	internal_osexec "github.com/umiacs/nexus-status/internal/osexec"
	"github.com/umiacs/nexus-status/pkg/cluster"
	"golang.org/x/sync/errgroup"
)

// Output formats of the SLURM commands.
const (
	sinfoFormat      = "%N|%C|%G|%m|%T|%f"
	squeueFormat     = "%i|%j|%u|%P|%t|%M|%D|%C|%m|%N|%b|%a"
	squeueNodeFormat = "%b"
)

// Resources assumed for nodes that sinfo did not report and the availability
// placeholders of user summaries. SLURM does not expose per user limits in
// squeue output.
const (
	defaultNodeCPUs         = 104
	defaultNodeGPUs         = 10
	defaultNodeMem          = 540 << 30
	placeholderCPUAvailable = 10000
	placeholderGPUAvailable = 1000
	memAvailableFactor      = 100
)

// Defaults.
const (
	defaultTimeout     = 30 * time.Second
	defaultConcurrency = 8
	runningState       = "R"
	nullValue          = "(null)"
	naValue            = "N/A"
)

// Custom errors.
var (
	ErrNoSlurmCommands = errors.New("SLURM commands not found")
)

var (
	sinfoFields = []string{
		"nodename", "cpusstate", "gres", "memory", "state", "features",
	}
	squeueFields = []string{
		"jobid", "name", "user", "partition", "state", "elapsed",
		"numnodes", "numcpus", "minmemory", "nodelist", "tres", "account",
	}
	sinfoFieldMap  = make(map[string]int, len(sinfoFields))
	squeueFieldMap = make(map[string]int, len(squeueFields))

	// Memory is reported as 16G, 500M or without unit in which case
	// SLURM assumes megabytes.
	memRegex = regexp.MustCompile(`^([0-9.]+)([KMGT]?)$`)
	toBytes  = map[string]float64{
		"K": 1 << 10,
		"M": 1 << 20,
		"G": 1 << 30,
		"T": 1 << 40,
	}

	// GRES entries can be gpu:4, gpu:rtxa6000:8(S:0-1), gres:gpu:2 or
	// gres/gpu:2. Type names never start with a digit.
	gpuGresRegex = regexp.MustCompile(`gpu(?::([A-Za-z_][A-Za-z0-9_]*))?:(\d+)`)
)

func init() {
	for idx, field := range sinfoFields {
		sinfoFieldMap[field] = idx
	}

	for idx, field := range squeueFields {
		squeueFieldMap[field] = idx
	}
}

// Config contains the collector configuration.
type Config struct {
	Logger *slog.Logger
	// Directory of SLURM binaries. When empty, PATH is searched.
	BinDir string
	// Timeout of each SLURM command.
	Timeout time.Duration
	// Maximum number of concurrent per node squeue queries.
	Concurrency int
	// User whose jobs are highlighted in the dashboard.
	CurrentUser string
}

// Collector collects the cluster status using SLURM CLI tools.
type Collector struct {
	logger      *slog.Logger
	binDir      string
	timeout     time.Duration
	concurrency int
	currentUser string
	now         func() time.Time
}

// node is a parsed sinfo record.
type node struct {
	name      string
	allocCPUs float64
	totalCPUs float64
	gres      string
	totalGPUs int
	memory    float64
	state     string
	features  string
}

// job is a parsed squeue record. Memory and GPUs are per node.
type job struct {
	id        string
	user      string
	partition string
	state     string
	cpus      float64
	mem       float64
	gpus      float64
	nodes     []string
}

// New returns a new Collector after locating SLURM binaries.
func New(c Config) (*Collector, error) {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}

	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}

	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}

	// If no bin dir is provided, assume SLURM commands are available on PATH
	if c.BinDir == "" {
		path, err := exec.LookPath("sinfo")
		if err != nil {
			c.Logger.Error("Failed to find SLURM utility executables on PATH", "err", err)

			return nil, fmt.Errorf("%w: %w", ErrNoSlurmCommands, err)
		}

		c.BinDir = filepath.Dir(path)
	} else if _, err := os.Stat(c.BinDir); err != nil {
		c.Logger.Error("Failed to open SLURM bin dir", "path", c.BinDir, "err", err)

		return nil, fmt.Errorf("%w: %w", ErrNoSlurmCommands, err)
	}

	return &Collector{
		logger:      c.Logger,
		binDir:      c.BinDir,
		timeout:     c.Timeout,
		concurrency: c.Concurrency,
		currentUser: c.CurrentUser,
		now:         time.Now,
	}, nil
}

// Collect returns the current cluster status. Only running jobs are
// reported.
func (c *Collector) Collect(ctx context.Context) (*cluster.RawClusterStatus, error) {
	defer common.TimeTrack(time.Now(), "SLURM collection", c.logger)

	sinfoOut, err := c.run(ctx, "sinfo", "-N", "-h", "-o", sinfoFormat)
	if err != nil {
		return nil, err
	}

	squeueOut, err := c.run(ctx, "squeue", "-h", "-o", squeueFormat)
	if err != nil {
		return nil, err
	}

	nodes := parseSinfoOutput(string(sinfoOut))
	jobs := parseSqueueOutput(string(squeueOut))

	allocGPUs, err := c.allocatedGPUs(ctx, nodes)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Collected SLURM data", "nodes", len(nodes), "running_jobs", len(jobs))

	return &cluster.RawClusterStatus{
		Timestamp:  c.now().UTC().Format(cluster.TimestampLayout),
		Nodes:      rawNodes(nodes, jobs, allocGPUs),
		Partitions: rawPartitions(nodes, jobs, c.currentUser),
	}, nil
}

// allocatedGPUs queries the GRES of jobs on every node.
func (c *Collector) allocatedGPUs(ctx context.Context, nodes []node) ([]int, error) {
	allocs := make([]int, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i, n := range nodes {
		g.Go(func() error {
			out, err := c.run(gctx, "squeue", "-h", "-w", n.name, "-o", squeueNodeFormat)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}

				c.logger.Warn("Failed to get allocated GPUs of node", "node", n.name, "err", err)

				return nil
			}

			for _, line := range strings.Split(string(out), "\n") {
				allocs[i] += parseGPUs(line)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return allocs, nil
}

// run executes a SLURM command with the configured timeout.
func (c *Collector) run(ctx context.Context, cmd string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := internal_osexec.ExecuteContext(ctx, filepath.Join(c.binDir, cmd), args, nil)
	if err != nil {
		c.logger.Error("Failed to execute SLURM command", "cmd", cmd, "args", strings.Join(args, " "), "err", err)

		return nil, err
	}

	return out, nil
}

// rawNodes builds node records. Allocated memory is the sum of memory of
// running jobs on the node.
func rawNodes(nodes []node, jobs []job, allocGPUs []int) []cluster.RawNode {
	allocMem := make(map[string]float64)

	for _, j := range jobs {
		for _, name := range j.nodes {
			allocMem[name] += j.mem
		}
	}

	raw := make([]cluster.RawNode, len(nodes))

	for i, n := range nodes {
		raw[i] = cluster.RawNode{
			NodeName:   n.name,
			AllocCPUs:  n.allocCPUs,
			CPUTot:     n.totalCPUs,
			AllocGRES:  gpuGres(allocGPUs[i]),
			TotalGRES:  gpuGres(n.totalGPUs),
			RealMemory: n.memory,
			AllocMem:   allocMem[n.name],
			FreeMem:    n.memory - allocMem[n.name],
			State:      n.state,
			Gres:       n.gres,
			Features:   n.features,
		}
	}

	return raw
}

// rawPartitions groups running jobs by partition and user keeping the order
// in which they first appear in squeue output.
func rawPartitions(nodes []node, jobs []job, currentUser string) cluster.RawPartitions {
	byName := make(map[string]node, len(nodes))
	for _, n := range nodes {
		byName[n.name] = n
	}

	var partitions cluster.RawPartitions

	partitionIdx := make(map[string]int)
	userIdx := make(map[string]map[string]int)

	for _, j := range jobs {
		pi, ok := partitionIdx[j.partition]
		if !ok {
			pi = len(partitions)
			partitionIdx[j.partition] = pi
			userIdx[j.partition] = make(map[string]int)
			partitions = append(partitions, cluster.NamedRawPartition{
				Name: j.partition,
				Partition: cluster.RawPartition{
					CurrentUser: currentUser,
					Users:       []cluster.RawUser{},
				},
			})
		}

		p := &partitions[pi].Partition

		ui, ok := userIdx[j.partition][j.user]
		if !ok {
			ui = len(p.Users)
			userIdx[j.partition][j.user] = ui
			p.Users = append(p.Users, cluster.RawUser{
				Name:              j.user,
				Jobs:              []cluster.RawJob{},
				TotalCPUAvailable: placeholderCPUAvailable,
				TotalGPUAvailable: placeholderGPUAvailable,
			})
		}

		u := &p.Users[ui]

		cpus := splitCPUs(int64(j.cpus), len(j.nodes))

		for i, name := range j.nodes {
			cpuTotal, gpuTotal, memTotal := float64(defaultNodeCPUs), float64(defaultNodeGPUs), float64(defaultNodeMem)
			if n, ok := byName[name]; ok {
				cpuTotal, gpuTotal, memTotal = n.totalCPUs, float64(n.totalGPUs), n.memory
			}

			u.Jobs = append(u.Jobs, cluster.RawJob{
				Node:     name,
				CPU:      float64(cpus[i]),
				CPUTotal: cpuTotal,
				GPU:      j.gpus,
				GPUTotal: gpuTotal,
				Mem:      j.mem,
				MemTotal: memTotal,
			})
		}

		numNodes := float64(max(len(j.nodes), 1))
		u.TotalCPU += j.cpus
		u.TotalGPU += j.gpus * numNodes
		u.TotalMem += j.mem * numNodes
		u.TotalMemAvailable = u.TotalMem * memAvailableFactor
	}

	return partitions
}

// splitCPUs splits the CPUs of a job across its nodes. The first cpus%n
// nodes get one CPU more than the others.
func splitCPUs(cpus int64, n int) []int64 {
	if n <= 0 {
		return nil
	}

	split := make([]int64, n)
	for i := range split {
		split[i] = cpus / int64(n)
		if int64(i) < cpus%int64(n) {
			split[i]++
		}
	}

	return split
}

// parseSinfoOutput parses `sinfo -N` output. A node that belongs to several
// partitions is listed once per partition and only its first record is kept.
func parseSinfoOutput(sinfoOutput string) []node {
	var nodes []node

	seen := make(map[string]bool)

	for _, line := range strings.Split(sinfoOutput, "\n") {
		components := strings.Split(line, "|")

		// Ignore if we cannot get all components
		if len(components) < len(sinfoFields) {
			continue
		}

		for i := range components {
			components[i] = strings.TrimSpace(components[i])
		}

		name := components[sinfoFieldMap["nodename"]]
		if name == "" || seen[name] {
			continue
		}

		seen[name] = true

		// CPU state is allocated/idle/other/total
		var allocCPUs, totalCPUs float64

		if cpus := strings.Split(components[sinfoFieldMap["cpusstate"]], "/"); len(cpus) == 4 {
			allocCPUs, _ = strconv.ParseFloat(cpus[0], 64)
			totalCPUs, _ = strconv.ParseFloat(cpus[3], 64)
		}

		gres := components[sinfoFieldMap["gres"]]
		if gres == nullValue {
			gres = ""
		}

		features := components[sinfoFieldMap["features"]]
		if features == nullValue {
			features = ""
		}

		nodes = append(nodes, node{
			name:      name,
			allocCPUs: allocCPUs,
			totalCPUs: totalCPUs,
			gres:      gres,
			totalGPUs: parseGPUs(gres),
			memory:    parseMemory(components[sinfoFieldMap["memory"]]),
			state:     components[sinfoFieldMap["state"]],
			features:  features,
		})
	}

	return nodes
}

// parseSqueueOutput parses squeue output and returns running jobs.
func parseSqueueOutput(squeueOutput string) []job {
	var jobs []job

	for _, line := range strings.Split(squeueOutput, "\n") {
		components := strings.Split(line, "|")

		// Ignore if we cannot get all components
		if len(components) < len(squeueFields) {
			continue
		}

		for i := range components {
			components[i] = strings.TrimSpace(components[i])
		}

		// Ignore jobs that are not running
		if components[squeueFieldMap["state"]] != runningState {
			continue
		}

		cpus, _ := strconv.ParseFloat(components[squeueFieldMap["numcpus"]], 64)

		jobs = append(jobs, job{
			id:        components[squeueFieldMap["jobid"]],
			user:      components[squeueFieldMap["user"]],
			partition: components[squeueFieldMap["partition"]],
			state:     components[squeueFieldMap["state"]],
			cpus:      cpus,
			mem:       parseMemory(components[squeueFieldMap["minmemory"]]),
			gpus:      float64(parseGPUs(components[squeueFieldMap["tres"]])),
			nodes:     NodelistParser(components[squeueFieldMap["nodelist"]]),
		})
	}

	return jobs
}

// parseMemory converts SLURM memory strings into bytes and returns zero
// for anything it does not understand.
func parseMemory(memString string) float64 {
	memString = strings.ToUpper(strings.TrimSpace(memString))
	if memString == "" || memString == naValue {
		return 0
	}

	matches := memRegex.FindStringSubmatch(memString)
	if len(matches) != 3 {
		return 0
	}

	mem, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0
	}

	unit := matches[2]
	if unit == "" {
		unit = "M"
	}

	return mem * toBytes[unit]
}

// parseGPUs returns the total number of GPUs of a GRES string.
func parseGPUs(gres string) int {
	var total int

	for _, match := range gpuGresRegex.FindAllStringSubmatch(gres, -1) {
		if n, err := strconv.Atoi(match[2]); err == nil {
			total += n
		}
	}

	return total
}

// gpuGres returns the GRES form understood by the normalizer.
func gpuGres(n int) string {
	if n <= 0 {
		return ""
	}

	return "gpu:" + strconv.Itoa(n)
}
