// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package runtime

import (
	"bytes"
	"errors"
	"sort"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"

	"github.com/Zombieliu/gear/gas"
	"github.com/Zombieliu/gear/memory"
	"github.com/Zombieliu/gear/message"
	"github.com/Zombieliu/gear/storage"
	"github.com/Zombieliu/gear/task"
)

// trapNonce is the reserved sub-message nonce of system-generated
// failure replies so they never collide with handler dispatches.
const trapNonce = ^uint32(0)

var (
	ErrProgramExists = errors.New("a program with this id is already deployed")
	ErrUnknownCode   = errors.New("no handler registered for this code id")
	ErrInitSuspended = errors.New("initialization may not suspend")
)

// Runtime is the executor: it pulls messages off the queue one at a
// time, loads the target program, drives its handler to completion or
// suspension, and commits or rolls back each attempt as a whole. There
// is one logical thread of control: a message is fully handled before
// the next is dequeued.
type Runtime struct {
	store    storage.Storage
	registry *Registry
	cfg      Config
	tick     uint64
}

func New(store storage.Storage, registry *Registry, cfg Config) *Runtime {
	return &Runtime{
		store:    store,
		registry: registry,
		cfg:      cfg,
	}
}

// Storage exposes the underlying stores, mainly for inspection APIs.
func (r *Runtime) Storage() storage.Storage { return r.store }

// CurrentTick returns the runtime's logical clock.
func (r *Runtime) CurrentTick() uint64 { return r.tick }

// Tick advances the logical clock the wait-list deadlines are
// expressed in.
func (r *Runtime) Tick() { r.tick++ }

// Deploy registers a new program executing the handler behind [code].
// If the handler implements Initializer, initialization runs under an
// unlimited gas counter and may dispatch messages but not suspend.
func (r *Runtime) Deploy(pid message.ProgramID, code ids.ID, static []byte) error {
	if err := r.deploy(pid, code, static); err != nil {
		// Nothing of a failed deployment may linger in the version
		// layer for a later commit to flush.
		r.store.Abort()
		return err
	}
	return nil
}

func (r *Runtime) deploy(pid message.ProgramID, code ids.ID, static []byte) error {
	exists, err := r.store.HasProgram(pid)
	if err != nil {
		return err
	}
	if exists {
		return ErrProgramExists
	}
	handler, ok := r.registry.Handler(code)
	if !ok {
		return ErrUnknownCode
	}

	prog := &storage.Program{ID: pid, Code: code, Static: static}

	if init, ok := handler.(Initializer); ok {
		counter := gas.NewUnlimited()
		sysMsg := &message.Message{
			Destination: pid,
			ID:          message.OriginID(pid, prog.Nonce),
		}
		prog.Nonce++

		inv := r.newInvocation(prog, sysMsg, counter)
		inv.sched.Spawn(func(*task.Task) error { return init.Init(inv) })
		if err := inv.sched.Run(); err != nil {
			if errors.Is(err, ErrSuspended) {
				return ErrInitSuspended
			}
			return err
		}
		prog.SetPageTable(inv.mem.Pages())
		for _, out := range inv.msgCtx.Outgoing() {
			if err := r.store.Enqueue(out); err != nil {
				return err
			}
		}
	}

	if err := r.store.PutProgram(prog); err != nil {
		return err
	}
	log.Info("deployed program", "program", pid, "code", code)
	return r.store.Commit()
}

// Submit enqueues a message entering the system from outside. Its
// identifier derives from the destination program's monotonic nonce.
func (r *Runtime) Submit(source, destination message.ProgramID, payload []byte, gasLimit, value uint64) (message.MessageID, error) {
	id, err := r.submit(source, destination, payload, gasLimit, value)
	if err != nil {
		r.store.Abort()
		return message.EmptyMessageID, err
	}
	return id, nil
}

func (r *Runtime) submit(source, destination message.ProgramID, payload []byte, gasLimit, value uint64) (message.MessageID, error) {
	if len(payload) > message.MaxPayloadSize {
		return message.EmptyMessageID, message.ErrPayloadTooLarge
	}
	prog, err := r.store.GetProgram(destination)
	if err != nil {
		return message.EmptyMessageID, err
	}

	msg := &message.Message{
		Source:      source,
		Destination: destination,
		ID:          message.OriginID(destination, prog.Nonce),
		Payload:     payload,
		GasLimit:    gasLimit,
		Value:       value,
	}
	prog.Nonce++

	if err := r.store.PutProgram(prog); err != nil {
		return message.EmptyMessageID, err
	}
	if err := r.store.Enqueue(msg); err != nil {
		return message.EmptyMessageID, err
	}
	return msg.ID, r.store.Commit()
}

// ProcessNext handles the oldest queued message. It returns false when
// the queue is empty and the executor should idle. Queue order is
// never reordered to favor resumptions: a reply resumes its parked
// invocation only when the reply itself reaches the head of the queue.
func (r *Runtime) ProcessNext() (bool, error) {
	handled, err := r.processNext()
	if err != nil {
		// Whatever the failed attempt buffered must not survive into
		// a later commit.
		r.store.Abort()
	}
	return handled, err
}

func (r *Runtime) processNext() (bool, error) {
	msg, err := r.store.Dequeue()
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	// The dequeue is durable no matter how handling ends: a message is
	// dequeued exactly once.
	if err := r.store.Commit(); err != nil {
		return false, err
	}

	if msg.IsReply() {
		return true, r.processReply(msg)
	}
	return true, r.processDispatch(msg)
}

// ProcessAll drains the queue and returns how many messages were
// handled.
func (r *Runtime) ProcessAll() (int, error) {
	handled := 0
	for {
		ok, err := r.ProcessNext()
		if err != nil || !ok {
			return handled, err
		}
		handled++
	}
}

func (r *Runtime) processDispatch(msg *message.Message) error {
	prog, err := r.store.GetProgram(msg.Destination)
	switch err {
	case nil:
	case database.ErrNotFound:
		log.Warn("message to unknown program", "destination", msg.Destination, "id", msg.ID)
		return r.drop(msg, "unknown program")
	default:
		return err
	}
	return r.execute(prog, msg, nil)
}

func (r *Runtime) processReply(msg *message.Message) error {
	pid := msg.Destination

	waitingID, found, err := r.store.FindAwaiting(pid, msg.ReplyTo)
	if err != nil {
		return err
	}
	if !found {
		log.Debug("reply without a waiter", "destination", pid, "replyTo", msg.ReplyTo)
		return r.drop(msg, "no waiter for reply")
	}

	cont, err := r.store.RemoveWaiting(pid, waitingID)
	if err != nil {
		return err
	}
	if cont == nil {
		log.Warn("wait-list entry missing for awaited reply", "program", pid, "waiting", waitingID)
		return r.drop(msg, "no continuation for reply")
	}

	sig := cont.Signal(msg.ReplyTo)
	if sig == nil {
		return r.drop(msg, "reply not awaited by continuation")
	}
	sig.HasReply = true
	sig.Payload = msg.Payload
	sig.Code = msg.Code

	if err := r.store.AppendLog(&storage.LogEntry{
		Message: *msg,
		Outcome: storage.OutcomeResumed,
		Tick:    r.tick,
	}); err != nil {
		return err
	}
	// Removal and the resumption record survive even if the resumed
	// attempt aborts: an aborted invocation is terminal.
	if err := r.store.Commit(); err != nil {
		return err
	}

	prog, err := r.store.GetProgram(pid)
	switch err {
	case nil:
	case database.ErrNotFound:
		log.Warn("waiting program disappeared", "program", pid)
		return r.drop(&cont.Message, "program removed while parked")
	default:
		return err
	}
	return r.execute(prog, &cont.Message, cont)
}

// execute runs one handling attempt. Every mutation of the attempt —
// page writes, outgoing dispatches, the parked continuation — buffers
// in the storage version layer and is committed exactly when the
// attempt ends in Completed or Suspended; an abort discards all of it.
func (r *Runtime) execute(prog *storage.Program, msg *message.Message, cont *storage.Continuation) error {
	budget := msg.GasLimit
	if cont != nil {
		budget = cont.GasLeft
	}
	counter := gas.NewLimited(budget)

	if counter.Charge(r.cfg.SetupCost) == gas.NotEnough {
		return r.abort(msg, "gas exhausted during setup")
	}

	inv := r.newInvocation(prog, msg, counter)
	if cont != nil {
		inv.msgCtx.Restore(cont.Watermark)
		for i := range cont.Signals {
			sig := &cont.Signals[i]
			inv.signals[sig.Awaited] = &signalState{
				destination: sig.Destination,
				ready:       sig.HasReply,
				payload:     sig.Payload,
				code:        sig.Code,
			}
		}
	}

	handler, ok := r.registry.Handler(prog.Code)
	if !ok {
		return r.abort(msg, "no handler for code id")
	}

	inv.sched.Spawn(func(*task.Task) error { return handler.Handle(inv) })
	err := inv.sched.Run()

	switch {
	case err == nil:
		return r.complete(prog, msg, inv)
	case errors.Is(err, ErrSuspended):
		return r.suspend(prog, msg, inv, counter)
	default:
		r.store.Abort()
		log.Warn("invocation aborted", "program", prog.ID, "message", msg.ID, "err", err)
		return r.abort(msg, err.Error())
	}
}

func (r *Runtime) newInvocation(prog *storage.Program, msg *message.Message, counter gas.Counter) *Invocation {
	return &Invocation{
		program: prog,
		counter: counter,
		mem:     memory.NewContext(prog.PageTable(), r.cfg.MaxPages, counter, r.cfg.PageCosts),
		msgCtx:  message.NewContext(msg, counter),
		sched:   task.NewScheduler(),
		signals: make(map[message.MessageID]*signalState),
	}
}

func (r *Runtime) complete(prog *storage.Program, msg *message.Message, inv *Invocation) error {
	prog.SetPageTable(inv.mem.Pages())
	if err := r.store.PutProgram(prog); err != nil {
		return err
	}
	for _, out := range inv.msgCtx.Outgoing() {
		if err := r.store.Enqueue(out); err != nil {
			return err
		}
	}
	if err := r.store.AppendLog(&storage.LogEntry{
		Message: *msg,
		Outcome: storage.OutcomeCompleted,
		Tick:    r.tick,
	}); err != nil {
		return err
	}
	return r.store.Commit()
}

func (r *Runtime) suspend(prog *storage.Program, msg *message.Message, inv *Invocation, counter gas.Counter) error {
	prog.SetPageTable(inv.mem.Pages())
	if err := r.store.PutProgram(prog); err != nil {
		return err
	}
	// Messages dispatched before the suspension point are emitted now;
	// the watermark keeps the replay from emitting them again.
	for _, out := range inv.msgCtx.Outgoing() {
		if err := r.store.Enqueue(out); err != nil {
			return err
		}
	}

	cont := &storage.Continuation{
		Program:    prog.ID,
		Message:    *msg,
		Awaited:    inv.awaited,
		Watermark:  inv.msgCtx.Nonce(),
		GasLeft:    counter.Remaining(),
		ExpiryTick: r.tick + r.cfg.ExpiryTicks,
	}
	// Serialized in identifier order so the persisted layout is
	// reproducible across re-executions.
	awaitedIDs := make([]message.MessageID, 0, len(inv.signals))
	for awaited := range inv.signals {
		awaitedIDs = append(awaitedIDs, awaited)
	}
	sort.Slice(awaitedIDs, func(i, j int) bool {
		return bytes.Compare(awaitedIDs[i][:], awaitedIDs[j][:]) < 0
	})
	for _, awaited := range awaitedIDs {
		sig := inv.signals[awaited]
		cont.Signals = append(cont.Signals, storage.Signal{
			Awaited:     awaited,
			Destination: sig.destination,
			HasReply:    sig.ready,
			Payload:     sig.payload,
			Code:        sig.code,
		})
	}

	if err := r.store.InsertWaiting(cont); err != nil {
		return err
	}
	if err := r.store.AppendLog(&storage.LogEntry{
		Message: *msg,
		Outcome: storage.OutcomeSuspended,
		Tick:    r.tick,
	}); err != nil {
		return err
	}
	log.Debug("invocation parked", "program", prog.ID, "message", msg.ID, "awaiting", inv.awaited)
	return r.store.Commit()
}

// abort records a failed attempt after its mutations were discarded
// and routes a failure reply to the sender so it never observes
// silent loss.
func (r *Runtime) abort(msg *message.Message, reason string) error {
	if err := r.store.AppendLog(&storage.LogEntry{
		Message: *msg,
		Outcome: storage.OutcomeAborted,
		Reason:  reason,
		Tick:    r.tick,
	}); err != nil {
		return err
	}
	if msg.Source != message.EmptyProgramID && !msg.IsReply() {
		if err := r.store.Enqueue(failureReply(msg.Destination, msg.Source, msg.ID, message.CodeFailure)); err != nil {
			return err
		}
	}
	return r.store.Commit()
}

// drop archives a message that cannot be routed.
func (r *Runtime) drop(msg *message.Message, reason string) error {
	if err := r.store.AppendLog(&storage.LogEntry{
		Message: *msg,
		Outcome: storage.OutcomeDropped,
		Reason:  reason,
		Tick:    r.tick,
	}); err != nil {
		return err
	}
	if msg.Source != message.EmptyProgramID && !msg.IsReply() {
		if err := r.store.Enqueue(failureReply(msg.Destination, msg.Source, msg.ID, message.CodeFailure)); err != nil {
			return err
		}
	}
	return r.store.Commit()
}

// GC expires wait-list entries whose deadline passed, delivering a
// synthetic failure reply so the parked handler observes a failed
// future rather than hanging forever. The entry itself is consumed
// when that reply reaches the head of the queue.
func (r *Runtime) GC() error {
	if err := r.gc(); err != nil {
		r.store.Abort()
		return err
	}
	return nil
}

func (r *Runtime) gc() error {
	expired, err := r.store.ExpiredBefore(r.tick)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	for _, cont := range expired {
		source := message.EmptyProgramID
		if sig := cont.Signal(cont.Awaited); sig != nil {
			source = sig.Destination
		}
		reply := failureReply(source, cont.Program, cont.Awaited, message.CodeExpired)
		if err := r.store.Enqueue(reply); err != nil {
			return err
		}

		cont.Expired = true
		if err := r.store.UpdateWaiting(cont); err != nil {
			return err
		}
		if err := r.store.AppendLog(&storage.LogEntry{
			Message: cont.Message,
			Outcome: storage.OutcomeExpired,
			Reason:  "reply deadline passed",
			Tick:    r.tick,
		}); err != nil {
			return err
		}
		log.Info("wait-list entry expired", "program", cont.Program, "message", cont.Message.ID, "awaited", cont.Awaited)
	}
	return r.store.Commit()
}

func failureReply(source, destination message.ProgramID, replyTo message.MessageID, code uint32) *message.Message {
	return &message.Message{
		Source:      source,
		Destination: destination,
		ID:          message.DeriveID(replyTo, trapNonce),
		ReplyTo:     replyTo,
		Code:        code,
	}
}
