// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package runtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/rpc/v2"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/formatting"

	cjson "github.com/ava-labs/avalanchego/utils/json"

	"github.com/Zombieliu/gear/message"
)

// Name is the namespace API methods are registered under.
const Name = "gear"

var errNoSuchProgram = errors.New("no program with this id is deployed")

// Service is the JSON-RPC API over a runtime. The runtime itself is
// single-threaded, so every method holds the service lock for the
// duration of the call.
type Service struct {
	lock sync.Mutex
	rt   *Runtime
}

func NewService(rt *Runtime) *Service { return &Service{rt: rt} }

// NewHandler returns an HTTP handler serving [svc].
func NewHandler(svc *Service) (http.Handler, error) {
	server := rpc.NewServer()
	codec := cjson.NewCodec()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")
	return server, server.RegisterService(svc, Name)
}

// Run drives the node: every [interval] it advances the logical clock,
// expires overdue waiters and drains the message queue. It returns
// when [ctx] is canceled or processing fails.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		s.lock.Lock()
		err := s.tickAndCollect()
		if err == nil {
			_, err = s.rt.ProcessAll()
		}
		s.lock.Unlock()
		if err != nil {
			return err
		}
	}
}

// HealthReply is the response to gear.health.
type HealthReply struct {
	Healthy  bool         `json:"healthy"`
	QueueLen cjson.Uint64 `json:"queueLen"`
	Tick     cjson.Uint64 `json:"tick"`
}

func (s *Service) Health(_ *http.Request, _ *struct{}, reply *HealthReply) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	qlen, err := s.rt.Storage().QueueLen()
	if err != nil {
		return err
	}
	reply.Healthy = true
	reply.QueueLen = cjson.Uint64(qlen)
	reply.Tick = cjson.Uint64(s.rt.CurrentTick())
	return nil
}

// DeployArgs names the program to create, the registered code it
// executes and its hex-encoded static data.
type DeployArgs struct {
	Program string `json:"program"`
	Code    string `json:"code"`
	Static  string `json:"static"`
}

// DeployReply is the response to gear.deploy.
type DeployReply struct {
	Success bool `json:"success"`
}

func (s *Service) Deploy(_ *http.Request, args *DeployArgs, reply *DeployReply) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	pid, err := message.ParseProgramID(args.Program)
	if err != nil {
		return err
	}
	code, err := ids.FromString(args.Code)
	if err != nil {
		return err
	}
	var static []byte
	if args.Static != "" {
		if static, err = formatting.Decode(formatting.Hex, args.Static); err != nil {
			return err
		}
	}
	if err := s.rt.Deploy(pid, code, static); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

// SubmitMessageArgs carries a message entering the system from outside.
// Payload is hex encoded.
type SubmitMessageArgs struct {
	Source      string       `json:"source"`
	Destination string       `json:"destination"`
	Payload     string       `json:"payload"`
	GasLimit    cjson.Uint64 `json:"gasLimit"`
	Value       cjson.Uint64 `json:"value"`
}

// SubmitMessageReply is the response to gear.submitMessage.
type SubmitMessageReply struct {
	ID string `json:"id"`
}

func (s *Service) SubmitMessage(_ *http.Request, args *SubmitMessageArgs, reply *SubmitMessageReply) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	source := message.EmptyProgramID
	if args.Source != "" {
		var err error
		if source, err = message.ParseProgramID(args.Source); err != nil {
			return err
		}
	}
	destination, err := message.ParseProgramID(args.Destination)
	if err != nil {
		return err
	}
	var payload []byte
	if args.Payload != "" {
		if payload, err = formatting.Decode(formatting.Hex, args.Payload); err != nil {
			return err
		}
	}

	id, err := s.rt.Submit(source, destination, payload, uint64(args.GasLimit), uint64(args.Value))
	if err != nil {
		return err
	}
	reply.ID = id.String()
	return nil
}

// GetProgramArgs is an API request naming a single program.
type GetProgramArgs struct {
	Program string `json:"program"`
}

// GetProgramReply describes a deployed program.
type GetProgramReply struct {
	Code    string       `json:"code"`
	Nonce   cjson.Uint64 `json:"nonce"`
	Pages   cjson.Uint64 `json:"pages"`
	Static  string       `json:"static"`
	Waiting bool         `json:"waiting"`
}

func (s *Service) GetProgram(_ *http.Request, args *GetProgramArgs, reply *GetProgramReply) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	pid, err := message.ParseProgramID(args.Program)
	if err != nil {
		return err
	}
	prog, err := s.rt.Storage().GetProgram(pid)
	if err != nil {
		return errNoSuchProgram
	}
	static, err := formatting.EncodeWithChecksum(formatting.Hex, prog.Static)
	if err != nil {
		return err
	}
	waiting, err := s.rt.Storage().AnyWaiting(pid)
	if err != nil {
		return err
	}

	reply.Code = prog.Code.String()
	reply.Nonce = cjson.Uint64(prog.Nonce)
	reply.Pages = cjson.Uint64(len(prog.Pages))
	reply.Static = static
	reply.Waiting = waiting
	return nil
}

// ProcessArgs bounds how many queued messages one gear.process call
// may handle; zero means drain the queue.
type ProcessArgs struct {
	Max cjson.Uint64 `json:"max"`
}

// ProcessReply reports how many messages were handled.
type ProcessReply struct {
	Handled cjson.Uint64 `json:"handled"`
}

func (s *Service) Process(_ *http.Request, args *ProcessArgs, reply *ProcessReply) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	handled := uint64(0)
	for args.Max == 0 || handled < uint64(args.Max) {
		ok, err := s.rt.ProcessNext()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		handled++
	}
	reply.Handled = cjson.Uint64(handled)
	return nil
}

// GetLogArgs pages through the execution log.
type GetLogArgs struct {
	Offset cjson.Uint64 `json:"offset"`
	Limit  cjson.Uint64 `json:"limit"`
}

// LogEntryReply is one execution log record.
type LogEntryReply struct {
	ID          string       `json:"id"`
	Source      string       `json:"source"`
	Destination string       `json:"destination"`
	Outcome     string       `json:"outcome"`
	Reason      string       `json:"reason,omitempty"`
	Tick        cjson.Uint64 `json:"tick"`
}

// GetLogReply is the response to gear.getLog.
type GetLogReply struct {
	Entries []LogEntryReply `json:"entries"`
	Total   cjson.Uint64    `json:"total"`
}

func (s *Service) GetLog(_ *http.Request, args *GetLogArgs, reply *GetLogReply) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	entries, err := s.rt.Storage().LogEntries()
	if err != nil {
		return err
	}
	reply.Total = cjson.Uint64(len(entries))

	offset := int(args.Offset)
	if offset > len(entries) {
		offset = len(entries)
	}
	entries = entries[offset:]
	if limit := int(args.Limit); limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}

	reply.Entries = make([]LogEntryReply, len(entries))
	for i, e := range entries {
		reply.Entries[i] = LogEntryReply{
			ID:          e.Message.ID.String(),
			Source:      e.Message.Source.String(),
			Destination: e.Message.Destination.String(),
			Outcome:     e.Outcome.String(),
			Reason:      e.Reason,
			Tick:        cjson.Uint64(e.Tick),
		}
	}
	return nil
}

// tickAndCollect advances the clock and expires overdue waiters. The
// node's main loop calls this between processing rounds; it is exported
// through the service so tests and tools can drive time by hand.
func (s *Service) tickAndCollect() error {
	s.rt.Tick()
	return s.rt.GC()
}

// TickReply is the response to gear.tick.
type TickReply struct {
	Tick cjson.Uint64 `json:"tick"`
}

func (s *Service) Tick(_ *http.Request, _ *struct{}, reply *TickReply) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.tickAndCollect(); err != nil {
		return err
	}
	reply.Tick = cjson.Uint64(s.rt.CurrentTick())
	return nil
}
