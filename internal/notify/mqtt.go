// Package notify pushes job lifecycle events to an MQTT broker so review
// frontends and downstream systems see status changes without polling.
// Notifications are best-effort: a lost broker never blocks the pipeline.
package notify

import (
	"encoding/json"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/snarg/custody-engine/internal/database"
)

// Publisher sends job events to the broker.
type Publisher struct {
	conn      mqtt.Client
	topicBase string
	connected atomic.Bool
	log       zerolog.Logger
}

type Options struct {
	BrokerURL string
	ClientID  string
	TopicBase string
	Username  string
	Password  string
	Log       zerolog.Logger
}

// Connect dials the broker. The client auto-reconnects; publishes while
// disconnected are dropped with a log line.
func Connect(opts Options) (*Publisher, error) {
	p := &Publisher{
		topicBase: opts.TopicBase,
		log:       opts.Log.With().Str("component", "notify").Logger(),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	p.conn = mqtt.NewClient(clientOpts)
	token := p.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Publisher) onConnect(mqtt.Client) {
	p.connected.Store(true)
	p.log.Info().Str("topic_base", p.topicBase).Msg("mqtt connected")
}

func (p *Publisher) onConnectionLost(_ mqtt.Client, err error) {
	p.connected.Store(false)
	p.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// jobEvent is the published payload.
type jobEvent struct {
	Event        string `json:"event"`
	JobID        string `json:"job_id"`
	WorkspaceID  string `json:"workspace_id"`
	TranscriptID string `json:"transcript_id"`
	Stage        string `json:"stage"`
	Status       string `json:"status"`
	Time         string `json:"time"`
}

// PublishJobEvent pushes one event to {base}/{workspace_id}/jobs. Fire and
// forget; failures are logged and dropped.
func (p *Publisher) PublishJobEvent(event string, job *database.JobRow) {
	payload, err := json.Marshal(jobEvent{
		Event:        event,
		JobID:        job.ID.String(),
		WorkspaceID:  job.WorkspaceID,
		TranscriptID: job.TranscriptID.String(),
		Stage:        job.Stage,
		Status:       job.Status,
		Time:         time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.log.Error().Err(err).Msg("marshal job event")
		return
	}

	topic := p.topicBase + "/" + job.WorkspaceID + "/jobs"
	token := p.conn.Publish(topic, 0, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		}
	}()
}

func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

func (p *Publisher) Close() {
	p.log.Info().Msg("disconnecting mqtt client")
	p.conn.Disconnect(1000)
}
