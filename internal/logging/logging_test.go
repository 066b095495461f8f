/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
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

package logging

import (
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type LoggingTestSuite struct {
	suite.Suite
}

func (s *LoggingTestSuite) TearDownTest() {
	base.Store(newDefault())
	SetLevel(LevelWarn)
}

func (s *LoggingTestSuite) TestLevels() {
	SetLevel(LevelDebug)
	l := New("test")
	l.Debugf("this is debugf %s", "hello world")
	l.Infof("this is infof %s", "hello world")
	l.Warnf("this is warnf %s", "hello world")
	l.Errorf("this is errorf %s", "hello world")
}

func (s *LoggingTestSuite) TestSetLoggerRoutesEntries() {
	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core))

	l := New("port")
	l.Debugf("dropped")
	l.Warnf("delivery to port %d dropped", 4)

	s.Require().Equal(1, logs.Len())
	entry := logs.All()[0]
	s.Equal("delivery to port 4 dropped", entry.Message)
	s.Equal("port", entry.LoggerName)
	s.Equal(zapcore.WarnLevel, entry.Level)
}

func (s *LoggingTestSuite) TestNilLoggerSilences() {
	SetLogger(nil)
	New("quiet").Errorf("nothing")
}

func TestLoggingTestSuite(t *testing.T) {
	suite.Run(t, new(LoggingTestSuite))
}
