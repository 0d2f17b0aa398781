// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package conc

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	pool := NewPool[int](4)
	defer pool.Release()

	futures := make([]*Future[int], 0, 8)
	for i := 0; i < 8; i++ {
		futures = append(futures, pool.Submit(func() (int, error) {
			return i * 2, nil
		}))
	}
	require.NoError(t, AwaitAll(futures...))
	for i, f := range futures {
		assert.True(t, f.Done())
		assert.Equal(t, i*2, f.Value())
	}
	assert.Equal(t, 4, pool.Cap())
}

func TestPoolError(t *testing.T) {
	pool := NewPool[struct{}](1)
	defer pool.Release()

	errBoom := errors.New("boom")
	f := pool.Submit(func() (struct{}, error) { return struct{}{}, errBoom })
	assert.False(t, f.OK())
	assert.ErrorIs(t, f.Err(), errBoom)
	assert.ErrorIs(t, AwaitAll(f), errBoom)
}

func TestUnboundedPoolNeverBlocks(t *testing.T) {
	pool := NewPool[struct{}](0, WithExpiryDuration(time.Second))
	defer pool.Release()

	release := make(chan struct{})
	futures := make([]*Future[struct{}], 0, 16)
	for i := 0; i < 16; i++ {
		futures = append(futures, pool.Submit(func() (struct{}, error) {
			<-release
			return struct{}{}, nil
		}))
	}
	assert.Equal(t, -1, pool.Cap())
	assert.Eventually(t, func() bool { return pool.Running() == 16 }, time.Second, 10*time.Millisecond)
	close(release)
	require.NoError(t, AwaitAll(futures...))
}

func TestGo(t *testing.T) {
	f := Go(func() (string, error) { return "done", nil })
	select {
	case <-f.Inner():
	case <-time.After(time.Second):
		t.Fatal("future not completed")
	}
	v, err := f.Await()
	assert.NoError(t, err)
	assert.Equal(t, "done", v)
}
