package server

import (
	"context"
	"strings"

	"connectrpc.com/connect"
)

// Client calls a MachineService.
type Client struct {
	run          *connect.Client[RunRequest, RunResponse]
	openSession  *connect.Client[OpenSessionRequest, OpenSessionResponse]
	closeSession *connect.Client[CloseSessionRequest, CloseSessionResponse]
	stats        *connect.Client[StatsRequest, StatsResponse]
	assemble     *connect.Client[AssembleRequest, AssembleResponse]
	disassemble  *connect.Client[DisassembleRequest, DisassembleResponse]
}

// NewClient creates a client for the service at baseURL, for example
// "http://localhost:7420".
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(CBORCodec{})}, opts...)
	return &Client{
		run:          connect.NewClient[RunRequest, RunResponse](httpClient, baseURL+RunProcedure, opts...),
		openSession:  connect.NewClient[OpenSessionRequest, OpenSessionResponse](httpClient, baseURL+OpenSessionProcedure, opts...),
		closeSession: connect.NewClient[CloseSessionRequest, CloseSessionResponse](httpClient, baseURL+CloseSessionProcedure, opts...),
		stats:        connect.NewClient[StatsRequest, StatsResponse](httpClient, baseURL+StatsProcedure, opts...),
		assemble:     connect.NewClient[AssembleRequest, AssembleResponse](httpClient, baseURL+AssembleProcedure, opts...),
		disassemble:  connect.NewClient[DisassembleRequest, DisassembleResponse](httpClient, baseURL+DisassembleProcedure, opts...),
	}
}

func (c *Client) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	resp, err := c.run.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) OpenSession(ctx context.Context, name string) (string, error) {
	resp, err := c.openSession.CallUnary(ctx, connect.NewRequest(&OpenSessionRequest{Name: name}))
	if err != nil {
		return "", err
	}
	return resp.Msg.SessionID, nil
}

func (c *Client) CloseSession(ctx context.Context, id string) error {
	_, err := c.closeSession.CallUnary(ctx, connect.NewRequest(&CloseSessionRequest{SessionID: id}))
	return err
}

func (c *Client) Stats(ctx context.Context, id string) (*StatsResponse, error) {
	resp, err := c.stats.CallUnary(ctx, connect.NewRequest(&StatsRequest{SessionID: id}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) Assemble(ctx context.Context, source string) (*AssembleResponse, error) {
	resp, err := c.assemble.CallUnary(ctx, connect.NewRequest(&AssembleRequest{Source: source}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) Disassemble(ctx context.Context, code []byte) (string, error) {
	resp, err := c.disassemble.CallUnary(ctx, connect.NewRequest(&DisassembleRequest{Code: code}))
	if err != nil {
		return "", err
	}
	return resp.Msg.Listing, nil
}
