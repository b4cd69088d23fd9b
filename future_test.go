package electrum

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/lightninglabs/electrum/protocol"
)

// TestFutureReceiveContextCancellation checks that Receive respects context
// cancellation when the Future never settles, regardless of whether the
// context is cancelled up front or times out partway through the wait.
func TestFutureReceiveContextCancellation(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		f := newFuture()

		var ctx context.Context
		var cancel context.CancelFunc
		if rapid.Bool().Draw(t, "cancel_immediately") {
			ctx, cancel = context.WithCancel(context.Background())
			cancel()
		} else {
			ctx, cancel = context.WithTimeout(
				context.Background(), time.Nanosecond,
			)
		}
		defer cancel()

		result, rpcErr, err := f.Receive(ctx)
		require.Nil(t, result)
		require.Nil(t, rpcErr)
		require.ErrorIs(t, err, ctx.Err())
	})
}

// TestFutureReceiveDeliversSettledValue checks that Receive returns whatever
// complete was called with, whether that is a successful result, an RPC
// error object, or a transport-level error, as long as the Future settles
// before the context is done.
func TestFutureReceiveDeliversSettledValue(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		f := newFuture()

		outcome := rapid.IntRange(0, 2).Draw(t, "outcome")

		var (
			wantResult json.RawMessage
			wantRPCErr *protocol.RPCError
			wantErr    error
		)

		switch outcome {
		case 0:
			value := rapid.String().Draw(t, "value")
			raw, err := json.Marshal(value)
			require.NoError(t, err)
			wantResult = raw

		case 1:
			msg := rapid.String().Draw(t, "rpc_message")
			wantRPCErr = &protocol.RPCError{Message: msg}

		case 2:
			wantErr = errors.New(rapid.String().Draw(t, "transport_error"))
		}

		go f.complete(wantResult, wantRPCErr, wantErr)

		result, rpcErr, err := f.Receive(context.Background())
		require.Equal(t, wantResult, result)
		require.Equal(t, wantRPCErr, rpcErr)
		if wantErr != nil {
			require.EqualError(t, err, wantErr.Error())
		} else {
			require.NoError(t, err)
		}
	})
}
