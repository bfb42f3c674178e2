package collector

import (
	"fmt"
	"strconv"
	"strings"
)

// splitNodelist splits a SLURM hostlist expression on the commas that
// separate hosts, leaving the commas inside brackets untouched.
// Eg gpu[00-01,05],cpu01 is split into "gpu[00-01,05]", "cpu01".
func splitNodelist(nodelistExp string) []string {
	var (
		hosts []string
		depth int
		start int
	)

	for i, r := range nodelistExp {
		switch r {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				hosts = append(hosts, nodelistExp[start:i])
				start = i + 1
			}
		}
	}

	return append(hosts, nodelistExp[start:])
}

// expandHost expands the first bracket range of a host expression and
// recurses on the result so that hosts with several ranges, like
// rack[1-2]-node[01-02], are fully expanded.
func expandHost(hostExp string) []string {
	open := strings.Index(hostExp, "[")
	if open < 0 {
		return []string{hostExp}
	}

	closing := strings.Index(hostExp[open:], "]")
	if closing < 0 {
		return []string{hostExp}
	}

	closing += open
	prefix, suffix := hostExp[:open], hostExp[closing+1:]

	var hosts []string

	for _, rangeExp := range strings.Split(hostExp[open+1:closing], ",") {
		bounds := strings.SplitN(rangeExp, "-", 2)
		if len(bounds) == 1 {
			bounds = append(bounds, bounds[0])
		}

		startIdx, err := strconv.Atoi(bounds[0])
		if err != nil {
			continue
		}

		endIdx, err := strconv.Atoi(bounds[1])
		if err != nil {
			continue
		}

		// Zero padding of the lower bound is kept, eg 08-10 gives 08, 09, 10
		width := len(bounds[0])

		for i := startIdx; i <= endIdx; i++ {
			hosts = append(hosts, expandHost(fmt.Sprintf("%s%0*d%s", prefix, width, i, suffix))...)
		}
	}

	return hosts
}

// NodelistParser expands a SLURM NODELIST expression into node names.
func NodelistParser(nodelistExp string) []string {
	var nodes []string

	for _, hostExp := range splitNodelist(strings.TrimSpace(nodelistExp)) {
		hostExp = strings.TrimSpace(hostExp)
		if hostExp == "" || hostExp == "(null)" {
			continue
		}

		nodes = append(nodes, expandHost(hostExp)...)
	}

	return nodes
}
