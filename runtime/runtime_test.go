// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package runtime_test

import (
	"errors"
	"testing"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/stretchr/testify/require"

	"github.com/Zombieliu/gear/memory"
	"github.com/Zombieliu/gear/message"
	"github.com/Zombieliu/gear/programs"
	"github.com/Zombieliu/gear/runtime"
	"github.com/Zombieliu/gear/storage"
)

var (
	pingPid    = pid(0x01)
	proxyPid   = pid(0x02)
	counterPid = pid(0x03)
	userPid    = pid(0xaa)
)

func pid(b byte) message.ProgramID {
	var p message.ProgramID
	p[0] = b
	return p
}

// handlerFunc adapts a closure to the Handler interface so tests can
// register one-off behaviors.
type handlerFunc func(call *runtime.Invocation) error

func (f handlerFunc) Handle(call *runtime.Invocation) error { return f(call) }

func newTestRuntime() (*runtime.Runtime, *runtime.Registry) {
	registry := runtime.NewRegistry()
	programs.RegisterAll(registry)
	return runtime.New(storage.New(memdb.New()), registry, runtime.DefaultConfig()), registry
}

// takeReply pops the head of the queue, which the caller expects to be
// a reply addressed outside the system.
func takeReply(t *testing.T, r *runtime.Runtime) *message.Message {
	msg, err := r.Storage().Dequeue()
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.True(t, msg.IsReply())
	require.NoError(t, r.Storage().Commit())
	return msg
}

func process(t *testing.T, r *runtime.Runtime, n int) {
	for i := 0; i < n; i++ {
		ok, err := r.ProcessNext()
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestPingPong(t *testing.T) {
	r, _ := newTestRuntime()
	require.NoError(t, r.Deploy(pingPid, programs.PingCode, nil))

	id, err := r.Submit(userPid, pingPid, []byte("ping"), 1_000_000, 0)
	require.NoError(t, err)

	process(t, r, 1)

	reply := takeReply(t, r)
	require.Equal(t, []byte("pong"), reply.Payload)
	require.Equal(t, id, reply.ReplyTo)
	require.Equal(t, pingPid, reply.Source)
	require.Equal(t, userPid, reply.Destination)
	require.Equal(t, uint32(message.CodeSuccess), reply.Code)
}

func TestProxyRoundTrip(t *testing.T) {
	r, _ := newTestRuntime()
	require.NoError(t, r.Deploy(pingPid, programs.PingCode, nil))
	require.NoError(t, r.Deploy(proxyPid, programs.ProxyCode, pingPid[:]))

	id, err := r.Submit(userPid, proxyPid, []byte("ping"), 1_000_000, 0)
	require.NoError(t, err)

	// Proxy parks awaiting the forwarded reply.
	process(t, r, 1)
	waiting, err := r.Storage().AnyWaiting(proxyPid)
	require.NoError(t, err)
	require.True(t, waiting)

	// Ping answers, then the reply resumes the proxy.
	process(t, r, 2)
	waiting, err = r.Storage().AnyWaiting(proxyPid)
	require.NoError(t, err)
	require.False(t, waiting)

	reply := takeReply(t, r)
	require.Equal(t, []byte("pong"), reply.Payload)
	require.Equal(t, id, reply.ReplyTo)

	entries, err := r.Storage().LogEntries()
	require.NoError(t, err)
	outcomes := make([]storage.Outcome, len(entries))
	for i, e := range entries {
		outcomes[i] = e.Outcome
	}
	require.Equal(t, []storage.Outcome{
		storage.OutcomeSuspended,
		storage.OutcomeCompleted,
		storage.OutcomeResumed,
		storage.OutcomeCompleted,
	}, outcomes)
}

// A future is pending before the reply arrives and ready on the
// re-execution that follows it; the handler body runs twice in total.
func TestFuturePollTransitions(t *testing.T) {
	r, registry := newTestRuntime()

	var (
		attempts int
		polls    []runtime.ReplyPoll
	)
	code := ids.ID{'p', 'o', 'l', 'l'}
	registry.Register(code, handlerFunc(func(call *runtime.Invocation) error {
		attempts++
		fut, err := call.SendForReply(
			message.NewPacket(pingPid).Push([]byte("ping")).WithGasLimit(100_000))
		if err != nil {
			return err
		}
		polls = append(polls, fut.Poll())
		payload, err := fut.Await()
		if err != nil {
			return err
		}
		return call.Reply(payload, 10_000)
	}))

	require.NoError(t, r.Deploy(pingPid, programs.PingCode, nil))
	require.NoError(t, r.Deploy(proxyPid, code, nil))

	_, err := r.Submit(userPid, proxyPid, []byte("go"), 1_000_000, 0)
	require.NoError(t, err)
	process(t, r, 3)

	require.Equal(t, 2, attempts)
	require.Equal(t, []runtime.ReplyPoll{runtime.Pending, runtime.Ready}, polls)
	require.Equal(t, []byte("pong"), takeReply(t, r).Payload)
}

// Resuming re-executes the handler from the top, so the counter page
// written before the await is bumped once per attempt.
func TestSyncCounterDoubleIncrement(t *testing.T) {
	r, _ := newTestRuntime()
	require.NoError(t, r.Deploy(pingPid, programs.PingCode, nil))
	require.NoError(t, r.Deploy(counterPid, programs.CounterCode, pingPid[:]))

	_, err := r.Submit(userPid, counterPid, []byte("async"), 2_000_000, 0)
	require.NoError(t, err)
	process(t, r, 3)

	require.Equal(t, []byte("2"), takeReply(t, r).Payload)

	// The final write cleared the counter page.
	prog, err := r.Storage().GetProgram(counterPid)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 8), prog.PageTable()[0][:8])
}

func TestTally(t *testing.T) {
	r, _ := newTestRuntime()
	require.NoError(t, r.Deploy(counterPid, programs.TallyCode, nil))

	_, err := r.Submit(userPid, counterPid, []byte{1, 2, 3}, 1_000_000, 0)
	require.NoError(t, err)
	process(t, r, 1)

	require.Equal(t, []byte("6"), takeReply(t, r).Payload)
}

// An attempt that runs out of gas is rolled back whole: no page
// writes survive, none of its dispatches reach the queue, and the
// sender receives a failure reply.
func TestGasExhaustionRollsBack(t *testing.T) {
	r, registry := newTestRuntime()

	code := ids.ID{'h', 'o', 'g'}
	registry.Register(code, handlerFunc(func(call *runtime.Invocation) error {
		if err := call.Memory().Write(0, []byte{7}); err != nil {
			return err
		}
		// Reserving more gas than remains fails the dispatch.
		_, err := call.Send(
			message.NewPacket(pingPid).Push([]byte("ping")).WithGasLimit(1 << 40))
		return err
	}))
	require.NoError(t, r.Deploy(counterPid, code, nil))

	id, err := r.Submit(userPid, counterPid, []byte("go"), 10_000, 0)
	require.NoError(t, err)
	process(t, r, 1)

	prog, err := r.Storage().GetProgram(counterPid)
	require.NoError(t, err)
	require.Empty(t, prog.Pages)

	entries, err := r.Storage().LogEntries()
	require.NoError(t, err)
	require.Equal(t, storage.OutcomeAborted, entries[len(entries)-1].Outcome)

	reply := takeReply(t, r)
	require.Equal(t, uint32(message.CodeFailure), reply.Code)
	require.Equal(t, id, reply.ReplyTo)
	require.Equal(t, userPid, reply.Destination)

	qlen, err := r.Storage().QueueLen()
	require.NoError(t, err)
	require.Zero(t, qlen)
}

// A handler may grow well past the point where its page table no
// longer fits a small serialized record; completing must still
// persist every page and deliver the reply.
func TestCompleteWithManyPages(t *testing.T) {
	r, registry := newTestRuntime()

	code := ids.ID{'g', 'r', 'o', 'w'}
	registry.Register(code, handlerFunc(func(call *runtime.Invocation) error {
		for p := uint64(0); p < 64; p++ {
			if err := call.Memory().Write(p*memory.PageSize, []byte{byte(p)}); err != nil {
				return err
			}
		}
		return call.Reply([]byte("grown"), 1_000)
	}))
	require.NoError(t, r.Deploy(counterPid, code, nil))

	_, err := r.Submit(userPid, counterPid, []byte("go"), 1_000_000, 0)
	require.NoError(t, err)
	process(t, r, 1)

	require.Equal(t, []byte("grown"), takeReply(t, r).Payload)

	prog, err := r.Storage().GetProgram(counterPid)
	require.NoError(t, err)
	require.Len(t, prog.Pages, 64)

	entries, err := r.Storage().LogEntries()
	require.NoError(t, err)
	require.Equal(t, storage.OutcomeCompleted, entries[len(entries)-1].Outcome)
}

func TestSetupCostAbort(t *testing.T) {
	r, _ := newTestRuntime()
	require.NoError(t, r.Deploy(pingPid, programs.PingCode, nil))

	// Below the per-attempt setup charge.
	_, err := r.Submit(userPid, pingPid, []byte("ping"), 10, 0)
	require.NoError(t, err)
	process(t, r, 1)

	reply := takeReply(t, r)
	require.Equal(t, uint32(message.CodeFailure), reply.Code)
}

// A parked invocation whose reply never comes is expired by GC: the
// handler resumes with a failed future instead of hanging forever.
func TestWaitListExpiry(t *testing.T) {
	r, _ := newTestRuntime()
	require.NoError(t, r.Deploy(pingPid, programs.PingCode, nil))
	require.NoError(t, r.Deploy(proxyPid, programs.ProxyCode, pingPid[:]))

	// Ping ignores payloads other than "ping" and never replies.
	id, err := r.Submit(userPid, proxyPid, []byte("hello"), 1_000_000, 0)
	require.NoError(t, err)
	process(t, r, 2)

	waiting, err := r.Storage().AnyWaiting(proxyPid)
	require.NoError(t, err)
	require.True(t, waiting)

	for i := uint64(0); i < runtime.DefaultConfig().ExpiryTicks+1; i++ {
		r.Tick()
	}
	require.NoError(t, r.GC())

	// The synthetic expiry reply resumes the proxy, whose await now
	// fails, aborting the attempt and failing the original sender.
	process(t, r, 1)
	waiting, err = r.Storage().AnyWaiting(proxyPid)
	require.NoError(t, err)
	require.False(t, waiting)

	reply := takeReply(t, r)
	require.Equal(t, uint32(message.CodeFailure), reply.Code)
	require.Equal(t, id, reply.ReplyTo)

	entries, err := r.Storage().LogEntries()
	require.NoError(t, err)
	var sawExpired, sawAborted bool
	for _, e := range entries {
		switch e.Outcome {
		case storage.OutcomeExpired:
			sawExpired = true
		case storage.OutcomeAborted:
			sawAborted = true
		}
	}
	require.True(t, sawExpired)
	require.True(t, sawAborted)
}

// A dispatch to an address with no program is dropped; the failure
// reply resumes the sender with a failed future.
func TestSendToUnknownProgram(t *testing.T) {
	r, _ := newTestRuntime()
	unknown := pid(0x7f)
	require.NoError(t, r.Deploy(proxyPid, programs.ProxyCode, unknown[:]))

	_, err := r.Submit(userPid, proxyPid, []byte("hello"), 1_000_000, 0)
	require.NoError(t, err)
	process(t, r, 3)

	reply := takeReply(t, r)
	require.Equal(t, uint32(message.CodeFailure), reply.Code)

	entries, err := r.Storage().LogEntries()
	require.NoError(t, err)
	outcomes := make([]storage.Outcome, len(entries))
	for i, e := range entries {
		outcomes[i] = e.Outcome
	}
	require.Equal(t, []storage.Outcome{
		storage.OutcomeSuspended,
		storage.OutcomeDropped,
		storage.OutcomeResumed,
		storage.OutcomeAborted,
	}, outcomes)
}

// ghostWaitStorage reports a waiter whose continuation entry is gone,
// the way a wait list whose index and entry rows disagree would.
type ghostWaitStorage struct {
	storage.Storage
	waiting message.MessageID
}

func (s *ghostWaitStorage) FindAwaiting(message.ProgramID, message.MessageID) (message.MessageID, bool, error) {
	return s.waiting, true, nil
}

func (s *ghostWaitStorage) RemoveWaiting(message.ProgramID, message.MessageID) (*storage.Continuation, error) {
	return nil, nil
}

func TestReplyWithoutContinuationIsDropped(t *testing.T) {
	store := &ghostWaitStorage{
		Storage: storage.New(memdb.New()),
		waiting: message.OriginID(proxyPid, 0),
	}
	registry := runtime.NewRegistry()
	programs.RegisterAll(registry)
	r := runtime.New(store, registry, runtime.DefaultConfig())

	replyTo := message.OriginID(pingPid, 0)
	require.NoError(t, store.Enqueue(&message.Message{
		Source:      pingPid,
		Destination: proxyPid,
		ID:          message.DeriveID(replyTo, 0),
		ReplyTo:     replyTo,
		Payload:     []byte("pong"),
	}))
	require.NoError(t, store.Commit())

	ok, err := r.ProcessNext()
	require.NoError(t, err)
	require.True(t, ok)

	entries, err := store.LogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, storage.OutcomeDropped, entries[0].Outcome)
}

func TestDuplicateReplyAborts(t *testing.T) {
	r, registry := newTestRuntime()

	code := ids.ID{'t', 'w', 'i', 'c', 'e'}
	registry.Register(code, handlerFunc(func(call *runtime.Invocation) error {
		if err := call.Reply([]byte("one"), 1_000); err != nil {
			return err
		}
		return call.Reply([]byte("two"), 1_000)
	}))
	require.NoError(t, r.Deploy(counterPid, code, nil))

	_, err := r.Submit(userPid, counterPid, []byte("go"), 1_000_000, 0)
	require.NoError(t, err)
	process(t, r, 1)

	entries, err := r.Storage().LogEntries()
	require.NoError(t, err)
	last := entries[len(entries)-1]
	require.Equal(t, storage.OutcomeAborted, last.Outcome)
	require.Equal(t, message.ErrDuplicateReply.Error(), last.Reason)

	// The aborted attempt's first reply never left the version layer.
	reply := takeReply(t, r)
	require.Equal(t, uint32(message.CodeFailure), reply.Code)
	qlen, err := r.Storage().QueueLen()
	require.NoError(t, err)
	require.Zero(t, qlen)
}

var errDiskFull = errors.New("disk full")

// flakyDB fails every batch write while [failWrites] is set, which
// makes the version layer's Commit fail. The flag is consulted at
// write time because the version layer builds its batch up front.
type flakyDB struct {
	database.Database
	failWrites bool
}

func (db *flakyDB) NewBatch() database.Batch {
	return &flakyBatch{Batch: db.Database.NewBatch(), db: db}
}

type flakyBatch struct {
	database.Batch
	db *flakyDB
}

func (b *flakyBatch) Write() error {
	if b.db.failWrites {
		return errDiskFull
	}
	return b.Batch.Write()
}

// A handling attempt whose commit fails must leave nothing buffered:
// the message stays queued and processes cleanly once storage
// recovers, with no duplicate or partial state.
func TestFailedAttemptLeavesNoPartialState(t *testing.T) {
	db := &flakyDB{Database: memdb.New()}
	registry := runtime.NewRegistry()
	programs.RegisterAll(registry)
	r := runtime.New(storage.New(db), registry, runtime.DefaultConfig())

	require.NoError(t, r.Deploy(pingPid, programs.PingCode, nil))
	id, err := r.Submit(userPid, pingPid, []byte("ping"), 1_000_000, 0)
	require.NoError(t, err)

	db.failWrites = true
	_, err = r.ProcessNext()
	require.ErrorIs(t, err, errDiskFull)
	db.failWrites = false

	qlen, err := r.Storage().QueueLen()
	require.NoError(t, err)
	require.EqualValues(t, 1, qlen)

	process(t, r, 1)
	reply := takeReply(t, r)
	require.Equal(t, []byte("pong"), reply.Payload)
	require.Equal(t, id, reply.ReplyTo)

	entries, err := r.Storage().LogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, storage.OutcomeCompleted, entries[0].Outcome)
}

// Failed deployments and submissions roll back whole; a later
// unrelated commit must not flush their partial state.
func TestFailedDeployAndSubmitRollBack(t *testing.T) {
	db := &flakyDB{Database: memdb.New()}
	registry := runtime.NewRegistry()
	programs.RegisterAll(registry)
	r := runtime.New(storage.New(db), registry, runtime.DefaultConfig())

	db.failWrites = true
	require.ErrorIs(t, r.Deploy(pingPid, programs.PingCode, nil), errDiskFull)
	db.failWrites = false

	exists, err := r.Storage().HasProgram(pingPid)
	require.NoError(t, err)
	require.False(t, exists)
	require.NoError(t, r.Deploy(pingPid, programs.PingCode, nil))

	db.failWrites = true
	_, err = r.Submit(userPid, pingPid, []byte("ping"), 1_000_000, 0)
	require.ErrorIs(t, err, errDiskFull)
	db.failWrites = false

	// The failed submission's nonce bump and enqueue are gone.
	qlen, err := r.Storage().QueueLen()
	require.NoError(t, err)
	require.Zero(t, qlen)

	_, err = r.Submit(userPid, pingPid, []byte("ping"), 1_000_000, 0)
	require.NoError(t, err)
	prog, err := r.Storage().GetProgram(pingPid)
	require.NoError(t, err)
	require.EqualValues(t, 1, prog.Nonce)
}

func TestDeployErrors(t *testing.T) {
	r, _ := newTestRuntime()
	require.NoError(t, r.Deploy(pingPid, programs.PingCode, nil))

	err := r.Deploy(pingPid, programs.PingCode, nil)
	require.ErrorIs(t, err, runtime.ErrProgramExists)

	err = r.Deploy(proxyPid, ids.ID{'n', 'o', 'p', 'e'}, nil)
	require.ErrorIs(t, err, runtime.ErrUnknownCode)
}

func TestSubmitToUnknownProgram(t *testing.T) {
	r, _ := newTestRuntime()
	_, err := r.Submit(userPid, pingPid, []byte("ping"), 1_000, 0)
	require.Error(t, err)
}

// Initialization runs once at deploy time under unlimited gas; pages
// it writes are the program's starting memory.
type seededHandler struct{}

func (seededHandler) Handle(call *runtime.Invocation) error {
	raw, err := call.Memory().Read(0, 1)
	if err != nil {
		return err
	}
	return call.Reply(raw, 1_000)
}

func (seededHandler) Init(call *runtime.Invocation) error {
	return call.Memory().Write(0, []byte{42})
}

func TestDeployInitializer(t *testing.T) {
	r, registry := newTestRuntime()

	code := ids.ID{'s', 'e', 'e', 'd'}
	registry.Register(code, seededHandler{})
	require.NoError(t, r.Deploy(counterPid, code, nil))

	prog, err := r.Storage().GetProgram(counterPid)
	require.NoError(t, err)
	require.Equal(t, byte(42), prog.PageTable()[0][0])

	_, err = r.Submit(userPid, counterPid, nil, 1_000_000, 0)
	require.NoError(t, err)
	process(t, r, 1)
	require.Equal(t, []byte{42}, takeReply(t, r).Payload)
}

func TestInitializerMayNotSuspend(t *testing.T) {
	r, registry := newTestRuntime()

	code := ids.ID{'b', 'a', 'd', 'i', 'n', 'i', 't'}
	registry.Register(code, suspendingInit{})
	err := r.Deploy(counterPid, code, nil)
	require.ErrorIs(t, err, runtime.ErrInitSuspended)

	exists, err := r.Storage().HasProgram(counterPid)
	require.NoError(t, err)
	require.False(t, exists)
}

type suspendingInit struct{}

func (suspendingInit) Handle(*runtime.Invocation) error { return nil }

func (suspendingInit) Init(call *runtime.Invocation) error {
	fut, err := call.SendForReply(
		message.NewPacket(pingPid).Push([]byte("ping")).WithGasLimit(1_000))
	if err != nil {
		return err
	}
	_, err = fut.Await()
	return err
}

// Replies that resolve to a non-success code surface as ReplyError so
// handlers can distinguish expiry from failure.
func TestReplyErrorExpired(t *testing.T) {
	err := &runtime.ReplyError{Code: message.CodeExpired}
	require.True(t, err.Expired())
	var replyErr *runtime.ReplyError
	require.True(t, errors.As(error(err), &replyErr))

	err = &runtime.ReplyError{Code: message.CodeFailure}
	require.False(t, err.Expired())
}
