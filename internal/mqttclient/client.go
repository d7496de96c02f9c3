// Package mqttclient publishes diarization-completed events to an MQTT broker.
package mqttclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/snarg/speaker-diarizer/internal/diarize"
)

// ErrNotConnected is returned by PublishResult while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt not connected")

type Client struct {
	conn      mqtt.Client
	prefix    string
	connected atomic.Bool
	log       zerolog.Logger
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		prefix: normalizePrefix(opts.TopicPrefix),
		log:    opts.Log,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("topic", c.Topic()).Msg("mqtt connected")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Topic returns the topic completed runs are published on.
func (c *Client) Topic() string {
	return c.prefix + "/diarization/completed"
}

// Completed is the payload of a diarization-completed event.
type Completed struct {
	RequestID   string                   `json:"request_id"`
	Source      string                   `json:"source"`
	Mode        string                   `json:"mode"`
	ProfileID   string                   `json:"profile_id,omitempty"`
	NumSpeakers int                      `json:"num_speakers"`
	Speakers    []string                 `json:"speakers"`
	Segments    []diarize.LabeledSegment `json:"segments"`
	Suspect     bool                     `json:"suspect,omitempty"`
	ElapsedMs   int64                    `json:"elapsed_ms"`
	Timestamp   time.Time                `json:"timestamp"`
}

func newCompleted(run *diarize.Run, res *diarize.Result) Completed {
	return Completed{
		RequestID:   run.ID,
		Source:      run.Source,
		Mode:        run.Mode,
		ProfileID:   run.ProfileID,
		NumSpeakers: res.NumSpeakers,
		Speakers:    res.Speakers,
		Segments:    res.Segments,
		Suspect:     run.Suspect,
		ElapsedMs:   run.Elapsed.Milliseconds(),
		Timestamp:   run.CreatedAt,
	}
}

// PublishResult implements diarize.Publisher. It waits for the broker's
// acknowledgement until ctx is done.
func (c *Client) PublishResult(ctx context.Context, run *diarize.Run, res *diarize.Result) error {
	if !c.conn.IsConnectionOpen() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(newCompleted(run, res))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	token := c.conn.Publish(c.Topic(), 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", c.Topic(), err)
	}
	c.log.Debug().Str("request_id", run.ID).Int("payload_size", len(payload)).Msg("result published")
	return nil
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}

func normalizePrefix(raw string) string {
	p := strings.Trim(strings.TrimSpace(raw), "/")
	if p == "" {
		return "diarizer"
	}
	return p
}
