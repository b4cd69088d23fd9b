package electrum

import (
	"context"
	"encoding/json"

	"github.com/lightninglabs/electrum/protocol"
)

// Future is the result of an in-flight request. It settles exactly once,
// either with the server's result, the server's reported error object, or a
// local error (not connected, transport failure, manual disconnection). A
// single-shot result channel with a blocking, context-aware Receive lets
// callers bound the wait even though the protocol itself has no intrinsic
// per-request deadline.
type Future struct {
	ch chan futureResult
}

type futureResult struct {
	result json.RawMessage
	rpcErr *protocol.RPCError
	err    error
}

func newFuture() *Future {
	return &Future{ch: make(chan futureResult, 1)}
}

func (f *Future) complete(result json.RawMessage, rpcErr *protocol.RPCError, err error) {
	f.ch <- futureResult{result: result, rpcErr: rpcErr, err: err}
}

// Receive blocks until the request settles or ctx is done, whichever comes
// first. A non-nil rpcErr means the peer responded with a protocol-level
// error object: this is reported as data, not as err, so the caller must
// inspect it explicitly rather than relying on err != nil.
func (f *Future) Receive(ctx context.Context) (json.RawMessage, *protocol.RPCError, error) {
	select {
	case r := <-f.ch:
		return r.result, r.rpcErr, r.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}
