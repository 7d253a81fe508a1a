package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/log"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/config"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

func testOrder() *model.WorkOrder {
	return &model.WorkOrder{
		SubTaskID: "s1",
		TaskID:    "t1",
		Source:    model.Source{Type: model.TaskTypeImage, URLs: []string{"http://cam/1.jpg"}},
		Analysis:  model.AnalysisConfig{ModelCode: "yolo-v8", AnalysisType: model.TaskTypeImage},
	}
}

func TestHTTPTransport_SendOk(t *testing.T) {
	t.Parallel()

	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"success":true,"data":{"task_id":"node-task-1"}}`))
	}))
	defer server.Close()

	transport := NewHTTPTransport(log.NewDebugLogger(), config.HTTP{RequestTimeout: time.Second})
	node := &model.Node{ID: "node-a", Transport: model.TransportHTTP, Address: server.URL}

	require.NoError(t, transport.Send(context.Background(), node, testOrder()))
	assert.Equal(t, "/api/v1/analyze/image", gotPath)

	require.NoError(t, transport.Stop(context.Background(), node, "s1"))
}

func TestHTTPTransport_SendRejected(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `model "yolo-v8" not installed`, http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	transport := NewHTTPTransport(log.NewDebugLogger(), config.HTTP{RequestTimeout: time.Second})
	node := &model.Node{ID: "node-a", Transport: model.TransportHTTP, Address: server.URL}

	err := transport.Send(context.Background(), node, testOrder())
	assert.True(t, errors.Is(err, ErrTransportRejected))
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "422")
}

func TestHTTPTransport_SendNotAccepted(t *testing.T) {
	t.Parallel()

	// A 2xx without a confirmation is a rejection: the node must answer
	// with success and a task id.
	cases := []struct{ name, body string }{
		{"declined", `{"success":false,"message":"queue full"}`},
		{"no task id", `{"success":true,"data":{}}`},
		{"not json", `busy`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			transport := NewHTTPTransport(log.NewDebugLogger(), config.HTTP{RequestTimeout: time.Second})
			node := &model.Node{ID: "node-a", Transport: model.TransportHTTP, Address: server.URL}

			err := transport.Send(context.Background(), node, testOrder())
			assert.True(t, errors.Is(err, ErrTransportRejected))
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestHTTPTransport_SendTimeout(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	transport := NewHTTPTransport(log.NewDebugLogger(), config.HTTP{RequestTimeout: 20 * time.Millisecond})
	node := &model.Node{ID: "node-a", Transport: model.TransportHTTP, Address: server.URL}

	err := transport.Send(context.Background(), node, testOrder())
	assert.True(t, errors.Is(err, ErrTransportTimeout))
	assert.True(t, IsRetryable(err))
}

func TestHTTPTransport_SendUnreachable(t *testing.T) {
	t.Parallel()

	// A closed server refuses the connection.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	transport := NewHTTPTransport(log.NewDebugLogger(), config.HTTP{RequestTimeout: time.Second})
	node := &model.Node{ID: "node-a", Transport: model.TransportHTTP, Address: server.URL}

	err := transport.Send(context.Background(), node, testOrder())
	assert.True(t, errors.Is(err, ErrTransportUnreachable))
	assert.True(t, IsRetryable(err))
}

func TestDispatcher_UnsupportedTransport(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(log.NewDebugLogger(), NewHTTPTransport(log.NewDebugLogger(), config.HTTP{RequestTimeout: time.Second}))
	node := &model.Node{ID: "node-m", Transport: model.TransportMQTT}

	err := d.Send(context.Background(), node, testOrder())
	assert.ErrorContains(t, err, "unsupported transport")
}

func TestPendingReplies(t *testing.T) {
	t.Parallel()

	p := newPendingReplies()
	ch := p.create("abc")

	// Unknown UUID is dropped.
	assert.False(t, p.resolve(&configReply{MessageUUID: "other"}))

	assert.True(t, p.resolve(&configReply{MessageUUID: "abc", Status: "success"}))
	reply := <-ch
	assert.Equal(t, "success", reply.Status)

	// Resolved once only.
	assert.False(t, p.resolve(&configReply{MessageUUID: "abc"}))

	p.create("xyz")
	p.discard("xyz")
	assert.False(t, p.resolve(&configReply{MessageUUID: "xyz"}))
}
