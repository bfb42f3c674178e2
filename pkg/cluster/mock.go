package cluster

import "time"

// MockStatus returns the fixed dataset served when the live payload cannot be
// fetched. LastUpdated is set to now.
func MockStatus(now time.Time) *Status {
	mockNode := func(name, freeMem string) Node {
		return Node{
			Name:     name,
			CPU:      "0/104",
			GPU:      "0/10",
			UnreqMem: "403G",
			FreeMem:  freeMem,
			Status:   "draining",
			Type:     NodeTypeA6000,
		}
	}

	nodes := []Node{mockNode("node209", "28G"), mockNode("node300", "6G"), mockNode("node301", "36G")}
	nodes[0].UnreqMem = "402G"

	pciJobs := make([]Job, 0, 3)
	for _, node := range []string{"node209", "node300", "node301"} {
		pciJobs = append(pciJobs, Job{Node: node, CPU: "20 (19%)", GPU: "10 (100%)", Mem: "100G (20%)"})
	}

	return &Status{
		LastUpdated: now.UTC().Format(TimestampLayout),
		Nodes:       nodes,
		Partitions: Partitions{
			{
				Name: "pci",
				Partition: Partition{
					Users: []User{
						{
							Name:          "tb21 (Tanushree Banerjee)",
							IsCurrentUser: true,
							Jobs:          pciJobs,
							Total:         Totals{CPU: "60 (1%)", GPU: "30 (4%)", Mem: "300G (1%)"},
						},
					},
				},
			},
			{
				Name: "pnlp",
				Partition: Partition{
					Users: []User{
						{
							Name: "cj7280",
							Jobs: []Job{
								{Node: "node012", CPU: "10 (16%)", GPU: "1 (13%)", Mem: "100G (27%)"},
								{Node: "node806", CPU: "10 (25%)", GPU: "1 (10%)", Mem: "100G (40%)"},
							},
							Total: Totals{CPU: "20 (0%)", GPU: "2 (0%)", Mem: "200G (1%)"},
						},
					},
				},
			},
		},
	}
}
