package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/idgenerator"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/log"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/common/servicectx"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/config"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	requestCommand = "start_subtask"
	stopCommand    = "stop_subtask"
)

// NodeEvents receives broker events decoded by the MQTT transport.
// The registry and the ledger react to them, the transport itself keeps
// no node state.
type NodeEvents interface {
	// OnNodeConnected handles a node announcement on the connection topic.
	OnNodeConnected(ctx context.Context, node *model.Node)
	// OnNodeDisconnected handles a graceful goodbye, the node's running
	// work must be reassigned right away.
	OnNodeDisconnected(ctx context.Context, nodeID string)
	// OnNodeHeartbeat handles a liveness report of a known node.
	OnNodeHeartbeat(ctx context.Context, nodeID string, cpu, memory, gpu float64)
	// OnSubTaskResult handles a terminal sub-task outcome.
	OnSubTaskResult(ctx context.Context, taskID, subTaskID string, success bool, errorMessage string)
}

// MQTTTransport reaches nodes attached to the shared broker.
//
// Topic layout, all relative to the configured prefix:
//
//	connection                  node announcements, shared
//	device_config_reply         request confirmations, shared
//	{nodeID}/request_setting    work orders to one node
//	{nodeID}/command            stop commands to one node
//	{nodeID}/status             heartbeats from one node
//	{nodeID}/result             outcomes from one node
type MQTTTransport struct {
	logger  log.Logger
	clock   clock.Clock
	cfg     config.MQTT
	client  mqtt.Client
	pending *pendingReplies
	events  NodeEvents

	// handlerCtx outlives individual requests, broker callbacks use it.
	handlerCtx context.Context
}

func NewMQTTTransport(proc *servicectx.Process, logger log.Logger, clk clock.Clock, cfg config.MQTT, events NodeEvents) (*MQTTTransport, error) {
	t := &MQTTTransport{
		logger:     logger.AddPrefix("[mqtt-transport]"),
		clock:      clk,
		cfg:        cfg,
		pending:    newPendingReplies(),
		events:     events,
		handlerCtx: proc.Ctx(),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID("meekyolo-orchestrator-" + idgenerator.ClientIDSuffix()).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.logger.Warnf("connection to broker lost: %s", err)
		}).
		SetOnConnectHandler(func(client mqtt.Client) {
			t.logger.Infof(`connected to broker "%s"`, cfg.BrokerURL)
			t.subscribe(client)
		})
	t.client = mqtt.NewClient(opts)

	token := t.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, errors.PrefixErrorf(ErrTransportTimeout, `cannot connect to broker "%s"`, cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Errorf(`cannot connect to broker "%s": %w`, cfg.BrokerURL, err)
	}

	proc.OnShutdown(func() {
		t.logger.Info("disconnecting from broker")
		t.client.Disconnect(uint(publishTimeout.Milliseconds()))
	})
	return t, nil
}

func (t *MQTTTransport) Kind() model.TransportKind {
	return model.TransportMQTT
}

// Send publishes the work order to the node's request topic and waits
// for the correlated confirmation.
func (t *MQTTTransport) Send(ctx context.Context, node *model.Node, order *model.WorkOrder) error {
	if order.Result.CallbackTopic == "" {
		order.Result.CallbackTopic = t.cfg.TopicPrefix + node.ID + "/result"
	}

	messageUUID := idgenerator.CorrelationID()
	envelope := &requestSetting{
		MessageUUID:       messageUUID,
		ConfirmationTopic: t.cfg.TopicPrefix + "device_config_reply",
		Command:           requestCommand,
		Data:              order,
		Time:              float64(t.clock.Now().Unix()),
	}

	replyCh := t.pending.create(messageUUID)
	defer t.pending.discard(messageUUID)

	if err := t.publish(node.ID+"/request_setting", envelope); err != nil {
		return err
	}

	timer := t.clock.Timer(t.cfg.ResponseTimeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		if reply.Status != replyStatusSuccess {
			return errors.PrefixErrorf(ErrTransportRejected, `node "%s": %s`, node.ID, reply.Message)
		}
		return nil
	case <-timer.C:
		return errors.PrefixErrorf(ErrTransportTimeout, `node "%s" did not confirm sub-task "%s" in %s`, node.ID, order.SubTaskID, t.cfg.ResponseTimeout)
	case <-ctx.Done():
		return errors.PrefixErrorf(ErrTransportTimeout, `node "%s": %s`, node.ID, ctx.Err())
	}
}

// Stop publishes the stop command, no confirmation is awaited, the node
// reports the outcome on its result topic.
func (t *MQTTTransport) Stop(_ context.Context, node *model.Node, subTaskID string) error {
	return t.publish(node.ID+"/command", &commandMessage{
		Command: stopCommand,
		Params:  map[string]string{"subtask_id": subTaskID},
		Time:    float64(t.clock.Now().Unix()),
	})
}

func (t *MQTTTransport) publish(topicSuffix string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.PrefixError(err, "cannot encode MQTT payload")
	}
	topic := t.cfg.TopicPrefix + topicSuffix
	token := t.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return errors.PrefixErrorf(ErrTransportTimeout, `publish to "%s"`, topic)
	}
	if err := token.Error(); err != nil {
		return errors.PrefixErrorf(ErrTransportUnreachable, `publish to "%s": %s`, topic, err)
	}
	return nil
}

func (t *MQTTTransport) subscribe(client mqtt.Client) {
	subscriptions := map[string]mqtt.MessageHandler{
		t.cfg.TopicPrefix + "connection":          t.handleConnection,
		t.cfg.TopicPrefix + "device_config_reply": t.handleConfigReply,
		t.cfg.TopicPrefix + "+/status":            t.handleStatus,
		t.cfg.TopicPrefix + "+/result":            t.handleResult,
	}
	for topic, handler := range subscriptions {
		token := client.Subscribe(topic, 1, handler)
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			t.logger.Errorf(`cannot subscribe to "%s": %s`, topic, token.Error())
		}
	}
}

func (t *MQTTTransport) handleConnection(_ mqtt.Client, msg mqtt.Message) {
	message := &connectionMessage{}
	if err := json.Unmarshal(msg.Payload(), message); err != nil {
		t.logger.Warnf(`invalid connection message: %s`, err)
		return
	}
	if message.NodeID == "" {
		t.logger.Warnf("connection message without node ID, ignored")
		return
	}
	if message.Status == connectionStatusOffline {
		t.events.OnNodeDisconnected(t.handlerCtx, message.NodeID)
		return
	}
	t.events.OnNodeConnected(t.handlerCtx, &model.Node{
		ID:        message.NodeID,
		Transport: model.TransportMQTT,
		Address:   message.NodeID,
		Hostname:  message.Hostname,
		Version:   message.Version,
		MaxTasks:  message.MaxTasks,
	})
}

func (t *MQTTTransport) handleConfigReply(_ mqtt.Client, msg mqtt.Message) {
	reply := &configReply{}
	if err := json.Unmarshal(msg.Payload(), reply); err != nil {
		t.logger.Warnf(`invalid config reply: %s`, err)
		return
	}
	if !t.pending.resolve(reply) {
		t.logger.Debugf(`late config reply "%s" dropped`, reply.MessageUUID)
	}
}

func (t *MQTTTransport) handleStatus(_ mqtt.Client, msg mqtt.Message) {
	nodeID, ok := t.nodeIDFromTopic(msg.Topic(), "/status")
	if !ok {
		return
	}
	message := &statusMessage{}
	if err := json.Unmarshal(msg.Payload(), message); err != nil {
		t.logger.Warnf(`invalid status message from node "%s": %s`, nodeID, err)
		return
	}
	t.events.OnNodeHeartbeat(t.handlerCtx, nodeID, message.CPUUsage, message.MemoryUsage, message.GPUUsage)
}

func (t *MQTTTransport) handleResult(_ mqtt.Client, msg mqtt.Message) {
	nodeID, ok := t.nodeIDFromTopic(msg.Topic(), "/result")
	if !ok {
		return
	}
	message := &resultMessage{}
	if err := json.Unmarshal(msg.Payload(), message); err != nil {
		t.logger.Warnf(`invalid result message from node "%s": %s`, nodeID, err)
		return
	}
	if message.TaskID == "" || message.SubTaskID == "" {
		t.logger.Warnf(`result message from node "%s" without task reference, ignored`, nodeID)
		return
	}
	switch message.Status {
	case resultStatusCompleted:
		t.events.OnSubTaskResult(t.handlerCtx, message.TaskID, message.SubTaskID, true, "")
	case resultStatusFailed:
		t.events.OnSubTaskResult(t.handlerCtx, message.TaskID, message.SubTaskID, false, message.ErrorMessage)
	case resultStatusRunning:
		// Progress confirmation, the ledger marked the sub-task
		// running at dispatch already.
		t.logger.Debugf(`sub-task "%s" runs on node "%s"`, message.SubTaskID, nodeID)
	default:
		t.logger.Warnf(`result message from node "%s" with unknown status "%s", ignored`, nodeID, message.Status)
	}
}

func (t *MQTTTransport) nodeIDFromTopic(topic, suffix string) (string, bool) {
	if !strings.HasPrefix(topic, t.cfg.TopicPrefix) || !strings.HasSuffix(topic, suffix) {
		t.logger.Warnf(`unexpected topic "%s"`, topic)
		return "", false
	}
	nodeID := strings.TrimSuffix(strings.TrimPrefix(topic, t.cfg.TopicPrefix), suffix)
	if nodeID == "" || strings.Contains(nodeID, "/") {
		t.logger.Warnf(`unexpected topic "%s"`, topic)
		return "", false
	}
	return nodeID, true
}
