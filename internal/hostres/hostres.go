// Copyright 2025 RPA Global
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hostres probes the cluster host's memory, disk and CPU by
// running the usual Linux tools over SSH and parsing their text output.
// Every probe degrades to zeros on failure; the snapshot keeps serving.
package hostres

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const probeTimeout = 10 * time.Second

// Runner matches the sshc client's Exec signature.
type Runner interface {
	Exec(ctx context.Context, cmd string, timeout time.Duration) (int, string, string, error)
}

// Memory in bytes plus rounded GB for display.
type Memory struct {
	Total   int64   `json:"total"`
	Livre   int64   `json:"livre"`
	Usada   int64   `json:"usada"`
	TotalGB float64 `json:"total_gb"`
	LivreGB float64 `json:"livre_gb"`
	UsadaGB float64 `json:"usada_gb"`
}

// Storage of the root filesystem.
type Storage struct {
	Total   int64   `json:"total"`
	Livre   int64   `json:"livre"`
	Usado   int64   `json:"usado"`
	TotalGB float64 `json:"total_gb"`
	LivreGB float64 `json:"livre_gb"`
	UsadoGB float64 `json:"usado_gb"`
}

// CPU utilization in percent.
type CPU struct {
	Total float64 `json:"total"`
	Usado float64 `json:"usado"`
	Livre float64 `json:"livre"`
}

// Resources is the aggregated host telemetry snapshot.
type Resources struct {
	Memoria       Memory  `json:"memoria"`
	Armazenamento Storage `json:"armazenamento"`
	CPU           CPU     `json:"cpu"`
}

// Clone satisfies the snapshot cache contract; the struct is plain
// values.
func (r Resources) Clone() any { return r }

// Prober collects host resources over an SSH runner.
type Prober struct {
	logger log.Logger
	runner Runner
}

func New(logger log.Logger, runner Runner) *Prober {
	return &Prober{logger: logger, runner: runner}
}

func roundGB(bytes int64) float64 {
	return math.Round(float64(bytes)/(1<<30)*100) / 100
}

// Fetch runs the three probes. Individual failures leave that section
// zeroed; the call itself never errors.
func (p *Prober) Fetch(ctx context.Context) Resources {
	res := Resources{CPU: CPU{Total: 100, Livre: 100}}

	if code, out, stderr, err := p.runner.Exec(ctx, "free -b", probeTimeout); err == nil && code == 0 {
		if mem, ok := ParseFree(out); ok {
			res.Memoria = mem
		}
	} else {
		_ = level.Warn(p.logger).Log("msg", "memory probe failed", "stderr", stderr, "err", err)
	}

	parsed := false
	if code, out, _, err := p.runner.Exec(ctx, "df -B1 /", probeTimeout); err == nil && code == 0 {
		if st, ok := ParseDF(out, 1); ok {
			res.Armazenamento = st
			parsed = true
		}
	}
	if !parsed {
		if code, out, _, err := p.runner.Exec(ctx, "df / | tail -1", probeTimeout); err == nil && code == 0 {
			if st, ok := ParseDF(out, 1024); ok {
				res.Armazenamento = st
				parsed = true
			}
		}
	}
	if !parsed {
		_ = level.Warn(p.logger).Log("msg", "storage probe failed")
	}

	cpuOK := false
	if code, out, _, err := p.runner.Exec(ctx, "top -bn1 | grep 'Cpu(s)'", probeTimeout); err == nil && code == 0 {
		if c, ok := ParseTopCPU(out); ok {
			res.CPU = c
			cpuOK = true
		}
	}
	if !cpuOK {
		if code, out, _, err := p.runner.Exec(ctx, "vmstat 1 2 | tail -1", probeTimeout); err == nil && code == 0 {
			if c, ok := ParseVmstatCPU(out); ok {
				res.CPU = c
			}
		}
	}

	return res
}

// ParseFree reads the Mem: line of free -b.
func ParseFree(out string) (Memory, bool) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return Memory{}, false
	}
	parts := strings.Fields(lines[1])
	if len(parts) < 4 {
		return Memory{}, false
	}
	total, err1 := strconv.ParseInt(parts[1], 10, 64)
	used, err2 := strconv.ParseInt(parts[2], 10, 64)
	free, err3 := strconv.ParseInt(parts[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Memory{}, false
	}
	return Memory{
		Total: total, Usada: used, Livre: free,
		TotalGB: roundGB(total), UsadaGB: roundGB(used), LivreGB: roundGB(free),
	}, true
}

// ParseDF reads the root-filesystem line of df output. blockSize scales
// the figures (1 for df -B1, 1024 for plain df).
func ParseDF(out string, blockSize int64) (Storage, bool) {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Filesystem") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 4 {
			continue
		}
		if parts[len(parts)-1] != "/" {
			continue
		}
		total, err1 := strconv.ParseInt(parts[1], 10, 64)
		used, err2 := strconv.ParseInt(parts[2], 10, 64)
		avail, err3 := strconv.ParseInt(parts[3], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		total, used, avail = total*blockSize, used*blockSize, avail*blockSize
		if total <= 0 || used < 0 || avail < 0 {
			continue
		}
		return Storage{
			Total: total, Usado: used, Livre: avail,
			TotalGB: roundGB(total), UsadoGB: roundGB(used), LivreGB: roundGB(avail),
		}, true
	}
	return Storage{}, false
}

var idleRe = regexp.MustCompile(`(\d+\.?\d*)%?\s+id`)

// ParseTopCPU extracts idle from the Cpu(s) summary line of top.
func ParseTopCPU(out string) (CPU, bool) {
	m := idleRe.FindStringSubmatch(out)
	if m == nil {
		return CPU{}, false
	}
	idle, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return CPU{}, false
	}
	return cpuFromIdle(idle), true
}

// ParseVmstatCPU extracts the idle column from the last vmstat sample.
func ParseVmstatCPU(out string) (CPU, bool) {
	parts := strings.Fields(strings.TrimSpace(out))
	if len(parts) < 15 {
		return CPU{}, false
	}
	idle, err := strconv.ParseFloat(parts[14], 64)
	if err != nil {
		return CPU{}, false
	}
	return cpuFromIdle(idle), true
}

func cpuFromIdle(idle float64) CPU {
	round := func(v float64) float64 { return math.Round(v*100) / 100 }
	return CPU{Total: 100, Usado: round(100 - idle), Livre: round(idle)}
}
