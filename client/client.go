// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import (
	"context"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/formatting"
	"github.com/ava-labs/avalanchego/utils/rpc"

	cjson "github.com/ava-labs/avalanchego/utils/json"

	"github.com/Zombieliu/gear/message"
	"github.com/Zombieliu/gear/runtime"
)

// Client defines gear node client operations.
type Client interface {
	// Health reports queue depth and the node's logical clock.
	Health(ctx context.Context) (*runtime.HealthReply, error)

	// Deploy creates a program executing registered code.
	Deploy(ctx context.Context, program message.ProgramID, code ids.ID, static []byte) (bool, error)

	// SubmitMessage enqueues a message for a program.
	SubmitMessage(ctx context.Context, source, destination message.ProgramID, payload []byte, gasLimit, value uint64) (message.MessageID, error)

	// GetProgram fetches a deployed program's descriptor.
	GetProgram(ctx context.Context, program message.ProgramID) (*runtime.GetProgramReply, error)

	// Process asks the node to handle up to [max] queued messages;
	// zero drains the queue.
	Process(ctx context.Context, max uint64) (uint64, error)

	// GetLog pages through the execution log.
	GetLog(ctx context.Context, offset, limit uint64) (*runtime.GetLogReply, error)

	// Tick advances the node's clock and expires overdue waiters.
	Tick(ctx context.Context) (uint64, error)
}

// New creates a new client object.
func New(uri string) Client {
	req := rpc.NewEndpointRequester(uri, "", "gear")
	return &client{req: req}
}

type client struct {
	req rpc.EndpointRequester
}

func (cli *client) Health(ctx context.Context) (*runtime.HealthReply, error) {
	resp := new(runtime.HealthReply)
	err := cli.req.SendRequest(ctx, "health", &struct{}{}, resp)
	return resp, err
}

func (cli *client) Deploy(ctx context.Context, program message.ProgramID, code ids.ID, static []byte) (bool, error) {
	hexStatic, err := formatting.EncodeWithChecksum(formatting.Hex, static)
	if err != nil {
		return false, err
	}

	resp := new(runtime.DeployReply)
	err = cli.req.SendRequest(ctx,
		"deploy",
		&runtime.DeployArgs{
			Program: program.String(),
			Code:    code.String(),
			Static:  hexStatic,
		},
		resp,
	)
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

func (cli *client) SubmitMessage(ctx context.Context, source, destination message.ProgramID, payload []byte, gasLimit, value uint64) (message.MessageID, error) {
	hexPayload, err := formatting.EncodeWithChecksum(formatting.Hex, payload)
	if err != nil {
		return message.EmptyMessageID, err
	}

	resp := new(runtime.SubmitMessageReply)
	err = cli.req.SendRequest(ctx,
		"submitMessage",
		&runtime.SubmitMessageArgs{
			Source:      source.String(),
			Destination: destination.String(),
			Payload:     hexPayload,
			GasLimit:    cjson.Uint64(gasLimit),
			Value:       cjson.Uint64(value),
		},
		resp,
	)
	if err != nil {
		return message.EmptyMessageID, err
	}
	return message.ParseMessageID(resp.ID)
}

func (cli *client) GetProgram(ctx context.Context, program message.ProgramID) (*runtime.GetProgramReply, error) {
	resp := new(runtime.GetProgramReply)
	err := cli.req.SendRequest(ctx,
		"getProgram",
		&runtime.GetProgramArgs{Program: program.String()},
		resp,
	)
	return resp, err
}

func (cli *client) Process(ctx context.Context, max uint64) (uint64, error) {
	resp := new(runtime.ProcessReply)
	err := cli.req.SendRequest(ctx,
		"process",
		&runtime.ProcessArgs{Max: cjson.Uint64(max)},
		resp,
	)
	return uint64(resp.Handled), err
}

func (cli *client) GetLog(ctx context.Context, offset, limit uint64) (*runtime.GetLogReply, error) {
	resp := new(runtime.GetLogReply)
	err := cli.req.SendRequest(ctx,
		"getLog",
		&runtime.GetLogArgs{
			Offset: cjson.Uint64(offset),
			Limit:  cjson.Uint64(limit),
		},
		resp,
	)
	return resp, err
}

func (cli *client) Tick(ctx context.Context) (uint64, error) {
	resp := new(runtime.TickReply)
	err := cli.req.SendRequest(ctx, "tick", &struct{}{}, resp)
	return uint64(resp.Tick), err
}
