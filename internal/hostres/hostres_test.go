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

package hostres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestParseFree(t *testing.T) {
	t.Parallel()
	out := `              total        used        free      shared  buff/cache   available
Mem:     8340275200  4170137600  2085068800    104857600  2085068800  3906250000
Swap:    2147483648           0  2147483648`
	mem, ok := ParseFree(out)
	require.True(t, ok)
	require.Equal(t, int64(8340275200), mem.Total)
	require.Equal(t, int64(4170137600), mem.Usada)
	require.Equal(t, int64(2085068800), mem.Livre)
	require.InDelta(t, 7.77, mem.TotalGB, 0.01)
}

func TestParseFreeMalformed(t *testing.T) {
	t.Parallel()
	_, ok := ParseFree("")
	require.False(t, ok)
	_, ok = ParseFree("header only")
	require.False(t, ok)
	_, ok = ParseFree("header\nMem: x y z")
	require.False(t, ok)
}

func TestParseDF(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		out       string
		blockSize int64
		total     int64
		ok        bool
	}{
		{
			name: "df -B1 with header",
			out: `Filesystem        1B-blocks        Used   Available Use% Mounted on
/dev/sda1      105689374720 52844687360 47450816512  53% /`,
			blockSize: 1,
			total:     105689374720,
			ok:        true,
		},
		{
			name:      "plain df last line",
			out:       `/dev/sda1  103211008  51605504  46339072  53% /`,
			blockSize: 1024,
			total:     103211008 * 1024,
			ok:        true,
		},
		{
			name: "other mount point ignored",
			out: `Filesystem 1B-blocks Used Available Use% Mounted on
/dev/sdb1  1000 500 500 50% /data`,
			blockSize: 1,
			ok:        false,
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			st, ok := ParseDF(c.out, c.blockSize)
			require.Equal(t, c.ok, ok)
			if ok {
				require.Equal(t, c.total, st.Total)
			}
		})
	}
}

func TestParseTopCPU(t *testing.T) {
	t.Parallel()
	c, ok := ParseTopCPU("%Cpu(s): 12.5 us,  3.1 sy,  0.0 ni, 81.2 id,  2.9 wa,  0.0 hi,  0.3 si,  0.0 st")
	require.True(t, ok)
	require.Equal(t, 81.2, c.Livre)
	require.InDelta(t, 18.8, c.Usado, 0.001)
	require.Equal(t, 100.0, c.Total)

	_, ok = ParseTopCPU("no cpu line here")
	require.False(t, ok)
}

func TestParseVmstatCPU(t *testing.T) {
	t.Parallel()
	c, ok := ParseVmstatCPU(" 1  0      0 204800  81920 409600    0    0     5    10  120  240  7  3 88  2  0")
	require.True(t, ok)
	require.Equal(t, 88.0, c.Livre)
	require.Equal(t, 12.0, c.Usado)

	_, ok = ParseVmstatCPU("short line")
	require.False(t, ok)
}

type scriptRunner struct {
	free string
	df   string
	top  string
	err  error
}

func (s *scriptRunner) Exec(_ context.Context, cmd string, _ time.Duration) (int, string, string, error) {
	if s.err != nil {
		return 1, "", "probe failed", s.err
	}
	switch {
	case strings.HasPrefix(cmd, "free"):
		return 0, s.free, "", nil
	case strings.HasPrefix(cmd, "df"):
		return 0, s.df, "", nil
	case strings.HasPrefix(cmd, "top"):
		return 0, s.top, "", nil
	default:
		return 1, "", "", nil
	}
}

func TestFetch(t *testing.T) {
	t.Parallel()
	runner := &scriptRunner{
		free: "header\nMem: 1073741824 536870912 536870912",
		df:   "Filesystem 1B-blocks Used Available Use% Mounted on\n/dev/sda1 1000 400 600 40% /",
		top:  "%Cpu(s):  5.0 us,  5.0 sy,  0.0 ni, 90.0 id,  0.0 wa",
	}
	res := New(log.NewNopLogger(), runner).Fetch(context.Background())
	require.Equal(t, int64(1073741824), res.Memoria.Total)
	require.Equal(t, int64(1000), res.Armazenamento.Total)
	require.Equal(t, 90.0, res.CPU.Livre)
}

func TestFetchDegradesToZeros(t *testing.T) {
	t.Parallel()
	runner := &scriptRunner{err: errors.New("connection lost")}
	res := New(log.NewNopLogger(), runner).Fetch(context.Background())
	require.Zero(t, res.Memoria.Total)
	require.Zero(t, res.Armazenamento.Total)
	// CPU defaults to fully idle rather than fully busy.
	require.Equal(t, 100.0, res.CPU.Livre)
}
