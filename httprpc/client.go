// Package httprpc implements the HTTP transport's shape (spec.md §1, §6):
// the same raftrpc.Transport surface as the CoAP transport, speaking JSON
// over POST to /v1/raft/{request_vote,append_entries,install_snapshot}.
// It exists to demonstrate that raftrpc.Transport is a real interface
// boundary rather than a CoAP-shaped one, so it is intentionally thin: no
// retransmission, session pooling, or DTLS, all of which are CoAP-side
// concerns (SPEC_FULL §5.9).
package httprpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreraft/raftnet/raftrpc"
	"github.com/coreraft/raftnet/rerr"
)

const userAgent = "raftnet-httprpc/1"

// Client implements raftrpc.Transport over plain HTTP. There is no
// multicast equivalent (raftrpc.Multicaster is a CoAP-only primitive).
type Client struct {
	httpClient *http.Client
	resolver   raftrpc.EndpointResolver
	serializer raftrpc.Serializer
}

// NewClient builds an httprpc Client. httpClient may be nil to use
// http.DefaultClient.
func NewClient(httpClient *http.Client, resolver raftrpc.EndpointResolver, serializer raftrpc.Serializer) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, resolver: resolver, serializer: serializer}
}

func (c *Client) urlFor(target raftrpc.NodeId, path string) (string, error) {
	ep, ok := c.resolver.Resolve(target)
	if !ok {
		return "", rerr.New(rerr.KindConfig, "httprpc.client", rerr.ErrMissingEndpoint)
	}
	return fmt.Sprintf("http://%s:%d/v1%s", ep.Address, ep.Port, path), nil
}

func (c *Client) do(ctx context.Context, target raftrpc.NodeId, path string, timeout time.Duration, body []byte) ([]byte, error) {
	url, err := c.urlFor(target, path)
	if err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, rerr.New(rerr.KindTransport, "httprpc.client", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = int64(len(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, rerr.Timeout("httprpc.client", err)
		}
		return nil, rerr.New(rerr.KindTransport, "httprpc.client", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rerr.New(rerr.KindTransport, "httprpc.client", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, rerr.New(rerr.KindProtocol, "httprpc.client", fmt.Errorf("server error: %d %s", resp.StatusCode, respBody))
	case resp.StatusCode >= 400:
		return nil, rerr.New(rerr.KindMalformed, "httprpc.client", fmt.Errorf("client error: %d %s", resp.StatusCode, respBody))
	case resp.StatusCode >= 300:
		return nil, rerr.New(rerr.KindProtocol, "httprpc.client", fmt.Errorf("unexpected redirect: %d", resp.StatusCode))
	}
	return respBody, nil
}

// SendRequestVote implements raftrpc.Transport.
func (c *Client) SendRequestVote(ctx context.Context, target raftrpc.NodeId, req *raftrpc.RequestVoteRequest, timeout time.Duration) *raftrpc.Future[*raftrpc.RequestVoteResponse] {
	fut := raftrpc.NewFuture[*raftrpc.RequestVoteResponse]()
	go func() {
		body, err := c.serializer.EncodeRequestVoteRequest(req)
		if err != nil {
			fut.Complete(nil, rerr.New(rerr.KindSerializer, "httprpc.client", err))
			return
		}
		respBody, err := c.do(ctx, target, raftrpc.KindRequestVote.ResourcePath(), timeout, body)
		if err != nil {
			fut.Complete(nil, err)
			return
		}
		resp, err := c.serializer.DecodeRequestVoteResponse(respBody)
		if err != nil {
			fut.Complete(nil, rerr.New(rerr.KindSerializer, "httprpc.client", err))
			return
		}
		fut.Complete(resp, nil)
	}()
	return fut
}

// SendAppendEntries implements raftrpc.Transport.
func (c *Client) SendAppendEntries(ctx context.Context, target raftrpc.NodeId, req *raftrpc.AppendEntriesRequest, timeout time.Duration) *raftrpc.Future[*raftrpc.AppendEntriesResponse] {
	fut := raftrpc.NewFuture[*raftrpc.AppendEntriesResponse]()
	go func() {
		body, err := c.serializer.EncodeAppendEntriesRequest(req)
		if err != nil {
			fut.Complete(nil, rerr.New(rerr.KindSerializer, "httprpc.client", err))
			return
		}
		respBody, err := c.do(ctx, target, raftrpc.KindAppendEntries.ResourcePath(), timeout, body)
		if err != nil {
			fut.Complete(nil, err)
			return
		}
		resp, err := c.serializer.DecodeAppendEntriesResponse(respBody)
		if err != nil {
			fut.Complete(nil, rerr.New(rerr.KindSerializer, "httprpc.client", err))
			return
		}
		fut.Complete(resp, nil)
	}()
	return fut
}

// SendInstallSnapshot implements raftrpc.Transport.
func (c *Client) SendInstallSnapshot(ctx context.Context, target raftrpc.NodeId, req *raftrpc.InstallSnapshotRequest, timeout time.Duration) *raftrpc.Future[*raftrpc.InstallSnapshotResponse] {
	fut := raftrpc.NewFuture[*raftrpc.InstallSnapshotResponse]()
	go func() {
		body, err := c.serializer.EncodeInstallSnapshotRequest(req)
		if err != nil {
			fut.Complete(nil, rerr.New(rerr.KindSerializer, "httprpc.client", err))
			return
		}
		respBody, err := c.do(ctx, target, raftrpc.KindInstallSnapshot.ResourcePath(), timeout, body)
		if err != nil {
			fut.Complete(nil, err)
			return
		}
		resp, err := c.serializer.DecodeInstallSnapshotResponse(respBody)
		if err != nil {
			fut.Complete(nil, rerr.New(rerr.KindSerializer, "httprpc.client", err))
			return
		}
		fut.Complete(resp, nil)
	}()
	return fut
}

var _ raftrpc.Transport = (*Client)(nil)
