package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/engine/request"
)

type alwaysLive struct{}

func (alwaysLive) Live() bool { return true }

type neverLive struct{}

func (neverLive) Live() bool { return false }

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatcher result")
		return Result{}
	}
}

func TestAddRequestRunsHandlerAndFulfilsPromise(t *testing.T) {
	d := New(2, func(ctx context.Context, req request.Request) (interface{}, error) {
		sel := req.(*request.Select)
		return sel.Table, nil
	}, nil)
	defer d.Shutdown()

	ch := d.AddRequest(&Work{RequestID: 1, Conn: alwaysLive{}, Req: request.NewSelect(1, "db", "widgets", nil, nil)})
	r := waitResult(t, ch)
	require.NoError(t, r.Err)
	require.False(t, r.Cancelled)
	require.Equal(t, "widgets", r.Value)
}

func TestAddRequestPropagatesHandlerError(t *testing.T) {
	d := New(1, func(ctx context.Context, req request.Request) (interface{}, error) {
		return nil, dberr.New(dberr.NotFound, "no such table")
	}, nil)
	defer d.Shutdown()

	ch := d.AddRequest(&Work{Req: request.NewSelect(1, "db", "widgets", nil, nil), Conn: alwaysLive{}})
	r := waitResult(t, ch)
	require.Error(t, r.Err)
	require.Equal(t, dberr.NotFound, dberr.CodeOf(r.Err))
}

func TestAddRequestSkipsHandlerWhenConnectionGone(t *testing.T) {
	called := false
	d := New(1, func(ctx context.Context, req request.Request) (interface{}, error) {
		called = true
		return nil, nil
	}, nil)
	defer d.Shutdown()

	ch := d.AddRequest(&Work{Req: request.NewSelect(1, "db", "widgets", nil, nil), Conn: neverLive{}})
	r := waitResult(t, ch)
	require.True(t, r.Cancelled)
	require.False(t, called)
}

func TestRequestsWithinOneSubmissionPreserveOrder(t *testing.T) {
	var order []int
	d := New(1, func(ctx context.Context, req request.Request) (interface{}, error) {
		sel := req.(*request.GetSingleRow)
		order = append(order, int(sel.TRID))
		return nil, nil
	}, nil)
	defer d.Shutdown()

	var chans []<-chan Result
	for i := 0; i < 5; i++ {
		chans = append(chans, d.AddRequest(&Work{Req: request.NewGetSingleRow(1, "db", "t", uint64(i)), Conn: alwaysLive{}}))
	}
	for _, c := range chans {
		waitResult(t, c)
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestShutdownCancelsQueuedWork(t *testing.T) {
	block := make(chan struct{})
	d := New(1, func(ctx context.Context, req request.Request) (interface{}, error) {
		<-block
		return nil, nil
	}, nil)

	first := d.AddRequest(&Work{Req: request.NewGetDatabases(1), Conn: alwaysLive{}})
	second := d.AddRequest(&Work{Req: request.NewGetDatabases(1), Conn: alwaysLive{}})

	done := make(chan struct{})
	go func() {
		d.Shutdown()
		close(done)
	}()

	// first is already being executed by the worker, blocked inside the
	// handler; unblock it so the worker loops back around to second, which
	// Shutdown's closing flag must now cancel instead of run.
	close(block)
	waitResult(t, first)
	r2 := waitResult(t, second)
	require.True(t, r2.Cancelled)
	<-done
}

func TestAddRequestAfterShutdownResolvesCancelled(t *testing.T) {
	d := New(1, func(ctx context.Context, req request.Request) (interface{}, error) {
		return nil, nil
	}, nil)
	d.Shutdown()

	r := waitResult(t, d.AddRequest(&Work{Req: request.NewGetDatabases(1), Conn: alwaysLive{}}))
	require.True(t, r.Cancelled)
}
