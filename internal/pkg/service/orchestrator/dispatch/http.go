package dispatch

import (
	"context"
	"encoding/json"
	"net"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/log"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/config"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

// HTTPTransport talks to directly reachable nodes:
//
//	POST {address}/api/v1/analyze/{image|video|stream}
//	POST {address}/api/v1/analyze/task/stop
type HTTPTransport struct {
	logger log.Logger
	client *resty.Client
}

func NewHTTPTransport(logger log.Logger, cfg config.HTTP) *HTTPTransport {
	client := resty.New().
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Content-Type", "application/json")
	return &HTTPTransport{logger: logger.AddPrefix("[http-transport]"), client: client}
}

func (t *HTTPTransport) Kind() model.TransportKind {
	return model.TransportHTTP
}

// analyzeResponse is the node's acceptance of a work order. A 2xx
// status alone is not an ack, the node must confirm with a task id.
type analyzeResponse struct {
	Success bool `json:"success"`
	Data    struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
}

func (t *HTTPTransport) Send(ctx context.Context, node *model.Node, order *model.WorkOrder) error {
	url := strings.TrimRight(node.Address, "/") + "/api/v1/analyze/" + string(order.Analysis.AnalysisType)
	resp, err := t.client.R().SetContext(ctx).SetBody(order).Post(url)
	if err != nil {
		return classifyHTTPError(node.ID, err)
	}
	if resp.IsError() {
		return errors.PrefixErrorf(ErrTransportRejected, `node "%s" returned HTTP %d: %s`, node.ID, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	ack := &analyzeResponse{}
	if err := json.Unmarshal(resp.Body(), ack); err != nil {
		return errors.PrefixErrorf(ErrTransportRejected, `node "%s" returned an invalid response: %s`, node.ID, err)
	}
	if !ack.Success || ack.Data.TaskID == "" {
		return errors.PrefixErrorf(ErrTransportRejected, `node "%s" did not accept sub-task "%s"`, node.ID, order.SubTaskID)
	}
	return nil
}

func (t *HTTPTransport) Stop(ctx context.Context, node *model.Node, subTaskID string) error {
	url := strings.TrimRight(node.Address, "/") + "/api/v1/analyze/task/stop"
	body := map[string]string{"subtask_id": subTaskID}
	resp, err := t.client.R().SetContext(ctx).SetBody(body).Post(url)
	if err != nil {
		return classifyHTTPError(node.ID, err)
	}
	if resp.IsError() {
		return errors.PrefixErrorf(ErrTransportRejected, `node "%s" returned HTTP %d`, node.ID, resp.StatusCode())
	}
	return nil
}

func classifyHTTPError(nodeID string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errors.PrefixErrorf(ErrTransportTimeout, `node "%s": %s`, nodeID, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return errors.PrefixErrorf(ErrTransportTimeout, `node "%s": %s`, nodeID, err)
	default:
		return errors.PrefixErrorf(ErrTransportUnreachable, `node "%s": %s`, nodeID, err)
	}
}
