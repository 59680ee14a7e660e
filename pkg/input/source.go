// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
)

// Source opens the byte stream the frames are read from
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// ReaderSource reads from a fixed reader, usually standard input
type ReaderSource struct {
	Reader io.Reader
}

func (s ReaderSource) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(s.Reader), nil
}

// SocketSource listens on a unix socket and reads from the first connection
type SocketSource struct {
	Path   string
	logger *zap.SugaredLogger
}

func NewSocketSource(path string, log *zap.SugaredLogger) *SocketSource {
	return &SocketSource{Path: path, logger: logger.OrDefault(log, logger.ComponentInputConsumer)}
}

// Open blocks until a writer connects or ctx is done
func (s *SocketSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket %s: %w", s.Path, err)
	}
	ln, err := net.Listen("unix", s.Path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.Path, err)
	}
	defer ln.Close()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Infof("Waiting for input on %s", s.Path)
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accepting on %s: %w", s.Path, err)
	}
	return conn, nil
}

// NewSource builds the source configured in cfg
func NewSource(cfg config.InputConfig, log *zap.SugaredLogger) (Source, error) {
	switch cfg.Type {
	case config.InputStdin:
		return ReaderSource{Reader: os.Stdin}, nil
	case config.InputSocket:
		return NewSocketSource(cfg.SocketPath, log), nil
	default:
		return nil, config.Errorf("unknown input type %q", cfg.Type)
	}
}
