// Package queue buffers console lines between the reader goroutine and
// the session loop.
package queue

import (
	"log/slog"
	"sync"

	"github.com/samber/do"
)

const bufferSize = 16

var _ do.Shutdownable = (*Service)(nil)

type Service struct {
	lines     chan string
	closeOnce sync.Once
}

func New(_ *do.Injector) (*Service, error) {
	return NewService(), nil
}

func NewService() *Service {
	return &Service{
		lines: make(chan string, bufferSize),
	}
}

func (s *Service) Add(line string) {
	defer func() {
		// tolerate a send racing Close during shutdown
		_ = recover()
	}()

	select {
	case s.lines <- line:
	default:
		slog.Warn("input queue is full, dropping line")
	}
}

func (s *Service) Channel() <-chan string {
	return s.lines
}

// Close marks end of input; the session loop drains and stops.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.lines)
	})
}

func (s *Service) Shutdown() error {
	s.Close()

	return nil
}
