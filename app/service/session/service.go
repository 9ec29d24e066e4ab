// Package session is the console collaborator: it prints node text,
// collects one line per turn and hands it to the engine until the
// traversal terminates or the user types the exit sentinel.
package session

import (
	"arbor/app/config"
	"arbor/app/service/engine"
	"arbor/app/service/journal"
	"arbor/app/service/queue"
	"arbor/app/tree"
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/samber/do"
)

const exitSentinel = "exit"

type Service struct {
	cfg          *config.Config
	decisionTree *tree.Tree
	engineSvc    *engine.Service
	queueSvc     *queue.Service
	journalSvc   *journal.Service

	in  io.Reader
	out io.Writer
}

func New(di *do.Injector) (*Service, error) {
	return NewService(
		do.MustInvoke[*config.Config](di),
		do.MustInvoke[*tree.Tree](di),
		do.MustInvoke[*engine.Service](di),
		do.MustInvoke[*queue.Service](di),
		do.MustInvoke[*journal.Service](di),
		os.Stdin,
		os.Stdout,
	), nil
}

func NewService(
	cfg *config.Config,
	decisionTree *tree.Tree,
	engineSvc *engine.Service,
	queueSvc *queue.Service,
	journalSvc *journal.Service,
	in io.Reader,
	out io.Writer,
) *Service {
	return &Service{
		cfg:          cfg,
		decisionTree: decisionTree,
		engineSvc:    engineSvc,
		queueSvc:     queueSvc,
		journalSvc:   journalSvc,
		in:           in,
		out:          out,
	}
}

// Run drives one full session from the root node to a terminal node, the
// exit sentinel, end of input or cancellation.
func (s *Service) Run(ctx context.Context) error {
	// a blocked console read cannot be interrupted; the reader goroutine
	// dies with the process
	go s.readLines(ctx)

	tr := engine.NewTraversal(s.decisionTree.RootID())

	res, err := s.engineSvc.Open(ctx, tr)
	if err != nil {
		return s.abort(err)
	}
	s.printResult(res)
	s.record(tr, "", res)

	for !res.Done {
		fmt.Fprintf(s.out, "%s: ", s.cfg.Session.UserName)

		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-s.queueSvc.Channel():
			if !ok {
				return nil
			}

			input := strings.TrimSpace(line)
			if strings.EqualFold(input, exitSentinel) {
				fmt.Fprintf(s.out, "%s: Goodbye.\n", s.cfg.Session.AgentName)
				return nil
			}

			res, err = s.engineSvc.Step(ctx, tr, input)
			if err != nil {
				return s.abort(err)
			}

			s.printResult(res)
			s.record(tr, input, res)
		}
	}

	return nil
}

func (s *Service) readLines(ctx context.Context) {
	defer s.queueSvc.Close()

	scanner := bufio.NewScanner(s.in)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.queueSvc.Add(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		slog.Warn("Console read failed", "error", err)
	}
}

func (s *Service) printResult(res *engine.StepResult) {
	agent := s.cfg.Session.AgentName

	for _, line := range res.Preamble {
		fmt.Fprintf(s.out, "%s: %s\n", agent, line)
	}
	if res.Notice != "" {
		fmt.Fprintln(s.out, res.Notice)
	}

	fmt.Fprintf(s.out, "%s: %s\n", agent, res.Text)
	for _, label := range res.Choices {
		fmt.Fprintf(s.out, "- %s\n", label)
	}
}

func (s *Service) record(tr *engine.Traversal, input string, res *engine.StepResult) {
	err := s.journalSvc.Append(journal.Entry{
		Turn:   tr.Turns(),
		NodeID: res.NodeID,
		Input:  input,
		Output: res.Text,
		Notice: res.Notice,
		Done:   res.Done,
	})
	if err != nil {
		slog.Warn("Failed to append journal entry", "error", err)
	}
}

func (s *Service) abort(err error) error {
	fmt.Fprintf(s.out, "%s: The session cannot continue: %v\n", s.cfg.Session.AgentName, err)

	return fmt.Errorf("session aborted: %w", err)
}
