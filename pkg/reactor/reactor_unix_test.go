//go:build unix

/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package reactor

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReactor_PipeReadiness(t *testing.T) {
	rd, wr, err := os.Pipe()
	require.NoError(t, err)
	defer rd.Close()
	defer wr.Close()

	r := New(WithMaxPollWait(50 * time.Millisecond))
	defer r.Close()

	reads := 0
	writes := 0
	require.NoError(t, r.AddReadWatch(int(rd.Fd()), func() {
		reads++
		buf := make([]byte, 16)
		_, _ = rd.Read(buf)
	}))
	require.NoError(t, r.AddWriteWatch(int(wr.Fd()), func() { writes++ }))

	require.NoError(t, r.Tick())
	require.Equal(t, 0, reads)
	require.Equal(t, 1, writes)

	r.RemoveWriteWatch(int(wr.Fd()))
	_, err = wr.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, r.Tick())
	require.Equal(t, 1, reads)
	require.Equal(t, 1, writes)

	start := time.Now()
	require.NoError(t, r.Tick())
	require.Equal(t, 1, reads)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
