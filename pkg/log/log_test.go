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

package log

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// recordingT 记录日志行与失败标记，并保存 Cleanup 回调。
type recordingT struct {
	mu       sync.Mutex
	lines    []string
	failed   bool
	cleanups []func()
}

func (t *recordingT) Logf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, fmt.Sprintf(format, args...))
}

func (t *recordingT) Errorf(format string, args ...any) {
	t.Logf(format, args...)
	t.Fail()
}

func (t *recordingT) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed = true
}

func (t *recordingT) FailNow() { t.Fail() }

func (t *recordingT) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

func (t *recordingT) Name() string { return "recording" }

func (t *recordingT) Cleanup(fn func()) { t.cleanups = append(t.cleanups, fn) }

func (t *recordingT) finish() {
	for i := len(t.cleanups) - 1; i >= 0; i-- {
		t.cleanups[i]()
	}
}

func (t *recordingT) output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

func swapGlobals(t *testing.T, logger *zap.Logger, props *ZapProperties) {
	prevL, prevP := L(), _globalP.Load().(*ZapProperties)
	ReplaceGlobals(logger, props)
	t.Cleanup(func() { ReplaceGlobals(prevL, prevP) })
}

func TestInitTestLogger(t *testing.T) {
	rt := &recordingT{}
	logger, props, err := InitTestLogger(rt, &Config{Level: "debug"})
	require.NoError(t, err)
	swapGlobals(t, logger, props)

	Info("pool ready", zap.Int("slots", 4))
	With(FieldModule("pool")).Debug("tick")
	assert.Contains(t, rt.output(), "pool ready")
	assert.Contains(t, rt.output(), "tick")

	rt.finish()
	Warn("after the test ended")
	assert.NotContains(t, rt.output(), "after the test ended")
	assert.False(t, rt.Failed())
}

func TestLeveledLoggersSkipDisabledLevels(t *testing.T) {
	rt := &recordingT{}
	logger, props, err := InitTestLogger(rt, &Config{Level: "info"})
	require.NoError(t, err)
	swapGlobals(t, logger, props)

	// zap reports an invalid IncreaseLevel on the error output, which fails rt
	assert.False(t, rt.Failed(), rt.output())
	_, ok := _globalLevelLogger.Load(zapcore.DebugLevel)
	assert.False(t, ok)
	_, ok = _globalLevelLogger.Load(zapcore.WarnLevel)
	assert.True(t, ok)

	Ctx(nil).Info("from ctx")
	Ctx(nil).Debug("hidden")
	assert.Contains(t, rt.output(), "from ctx")
	assert.NotContains(t, rt.output(), "hidden")
}

func TestRateGroupSharedByName(t *testing.T) {
	a := With(FieldModule("a")).WithRateGroup("log-test", 1, 10)
	b := With(FieldModule("b")).WithRateGroup("log-test", 1, 10)

	assert.True(t, a.RatedWarn(10, "first"))
	assert.False(t, b.RatedWarn(10, "second"))
	assert.False(t, a.With(zap.String("k", "v")).RatedDebug(10, "inherited"))
}
