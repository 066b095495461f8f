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

// Package plugin is the registration entry point of the bridge. Register
// installs the bridge's method channel on the UI runtime's messenger; Client
// is the managed-side counterpart used by hosts written in Go and by tests.
package plugin

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/srediag/plugin-bridge/api"
	"github.com/srediag/plugin-bridge/internal/logging"
	"github.com/srediag/plugin-bridge/pkg/dispatch"
	"github.com/srediag/plugin-bridge/pkg/lifecycle"
	"github.com/srediag/plugin-bridge/pkg/wire"
)

// Channel is the method channel name the bridge listens on.
const Channel = "plugin_bridge"

// Methods understood on Channel.
const (
	MethodPrepareChannels  = "prepareChannels"
	MethodStartLogic       = "startLogic"
	MethodStopLogic        = "stopLogic"
	MethodOpenResponsePort = "openResponsePort"
	MethodStartStream      = "startStream"
	MethodSubmit           = "submit"
	MethodSubmitSync       = "submitSync"
	MethodShareHandle      = "shareHandle"
	MethodDropHandle       = "dropHandle"
)

var logger = logging.New("plugin")

// Option configures the bridge built by Register.
type Option func(*options)

type options struct {
	config   *lifecycle.Config
	logic    api.Logic
	handlers []dispatch.Option
}

// WithConfig sets the coordinator config.
func WithConfig(c *lifecycle.Config) Option {
	return func(o *options) { o.config = c }
}

// WithLogic sets the long-running worker logic started by startLogic.
func WithLogic(l api.Logic) Option {
	return func(o *options) { o.logic = l }
}

// WithHandlers registers dispatcher opcodes, see dispatch.WithHandler and
// dispatch.WithSyncHandler.
func WithHandlers(h ...dispatch.Option) Option {
	return func(o *options) { o.handlers = append(o.handlers, h...) }
}

// Bridge answers the method channel on behalf of one coordinator.
type Bridge struct {
	coord *lifecycle.Coordinator
}

// NewBridge builds a bridge whose ports resolve through msgr. It does not
// install itself; see Register and Bridge.Install.
func NewBridge(msgr api.Messenger, opts ...Option) (*Bridge, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	coord, err := lifecycle.New(o.config, msgr, o.logic, o.handlers...)
	if err != nil {
		return nil, err
	}
	return &Bridge{coord: coord}, nil
}

// Install sets b as the handler of Channel on msgr.
func (b *Bridge) Install(msgr api.Messenger) {
	msgr.SetMethodHandler(Channel, b.Invoke)
}

// Coordinator returns the lifecycle coordinator behind b.
func (b *Bridge) Coordinator() *lifecycle.Coordinator {
	return b.coord
}

var (
	registerMu sync.Mutex
	registered *Bridge
)

// Register is the single process-wide registration entry point. Later calls
// are ignored with a warning.
func Register(msgr api.Messenger, opts ...Option) {
	registerMu.Lock()
	defer registerMu.Unlock()
	if registered != nil {
		logger.Warnf("bridge already registered, ignoring repeated registration")
		return
	}
	b, err := NewBridge(msgr, opts...)
	if err != nil {
		logger.Errorf("bridge registration failed: %v", err)
		return
	}
	b.Install(msgr)
	registered = b
	logger.Infof("bridge registered on channel %q", Channel)
}

// Registered returns the bridge installed by Register, or nil.
func Registered() *Bridge {
	registerMu.Lock()
	defer registerMu.Unlock()
	return registered
}

// Invoke implements api.MethodHandler. Setup failures and use before
// prepareChannels come back as errors; handler failures travel inside
// responses. Any other panic is logged with its stack and reported as a
// HandlerFailure.
func (b *Bridge) Invoke(method string, args []byte) (out []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			if perr, ok := p.(*api.Error); ok && perr.Kind == api.KindNotPrepared {
				err = perr
				return
			}
			logger.Errorf("method %s panicked: %v\n%s", method, p, debug.Stack())
			err = api.NewError(api.KindHandlerFailure, fmt.Sprintf("method %s panicked: %v", method, p))
		}
	}()

	switch method {
	case MethodPrepareChannels:
		token, err := b.coord.Prepare()
		if err != nil {
			return nil, err
		}
		return wire.EncodeUint64(token.Generation), nil
	case MethodStartLogic:
		return withPort(args, b.coord.Start)
	case MethodStopLogic:
		return nil, b.coord.Stop()
	case MethodOpenResponsePort:
		return withPort(args, b.coord.OpenResponsePort)
	case MethodStartStream:
		return withPort(args, b.coord.StartStream)
	case MethodSubmit:
		replyPort, env, err := wire.DecodeSubmit(args)
		if err != nil {
			return nil, err
		}
		return nil, b.coord.Submit(env, replyPort)
	case MethodSubmitSync:
		req, err := wire.DecodeRequest(args)
		if err != nil {
			return nil, err
		}
		return wire.EncodeResponse(b.coord.SubmitSync(req))
	case MethodShareHandle:
		h, err := wire.DecodeHandle(args)
		if err != nil {
			return nil, err
		}
		shared, err := b.coord.Handles().Share(h)
		if err != nil {
			return nil, err
		}
		return wire.EncodeHandle(shared), nil
	case MethodDropHandle:
		h, err := wire.DecodeHandle(args)
		if err != nil {
			return nil, err
		}
		return nil, b.coord.Handles().Drop(h)
	default:
		return nil, api.NewError(api.KindUnknownOperation, fmt.Sprintf("unknown method %q", method))
	}
}

func withPort(args []byte, fn func(int64) error) ([]byte, error) {
	portID, err := wire.DecodePort(args)
	if err != nil {
		return nil, err
	}
	return nil, fn(portID)
}
