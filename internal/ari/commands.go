// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_ari

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/rapidaai/voicebridge/config"
	"github.com/rapidaai/voicebridge/pkg/commons"
)

// Commander issues REST commands against the Asterisk control API. All
// methods are safe for concurrent use.
type Commander struct {
	logger commons.Logger
	cfg    config.ARIConfig
	http   *resty.Client
}

// NewCommander builds a REST client bound to the configured control API.
func NewCommander(logger commons.Logger, cfg config.ARIConfig) *Commander {
	client := resty.New().
		SetBaseURL(cfg.URL).
		SetBasicAuth(cfg.Username, cfg.Password).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)

	return &Commander{
		logger: logger,
		cfg:    cfg,
		http:   client,
	}
}

func commandError(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: control api returned %s: %s", op, resp.Status(), resp.String())
	}
	return nil
}

// Answer picks up a ringing channel.
func (c *Commander) Answer(ctx context.Context, channelID string) error {
	resp, err := c.http.R().SetContext(ctx).
		Post(fmt.Sprintf("/channels/%s/answer", channelID))
	return commandError("answer channel", resp, err)
}

// Hangup terminates a channel. A 404 is treated as success: the channel is
// already gone, which is the state we wanted.
func (c *Commander) Hangup(ctx context.Context, channelID string) error {
	resp, err := c.http.R().SetContext(ctx).
		Delete(fmt.Sprintf("/channels/%s", channelID))
	if resp != nil && resp.StatusCode() == 404 {
		return nil
	}
	return commandError("hangup channel", resp, err)
}

// CreateBridge creates a mixing bridge and returns its identifier.
func (c *Commander) CreateBridge(ctx context.Context) (string, error) {
	var bridge Bridge
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"type":     "mixing",
			"bridgeId": uuid.NewString(),
		}).
		SetResult(&bridge).
		Post("/bridges")
	if err := commandError("create bridge", resp, err); err != nil {
		return "", err
	}
	return bridge.ID, nil
}

// DestroyBridge tears down a mixing bridge. 404 is success.
func (c *Commander) DestroyBridge(ctx context.Context, bridgeID string) error {
	resp, err := c.http.R().SetContext(ctx).
		Delete(fmt.Sprintf("/bridges/%s", bridgeID))
	if resp != nil && resp.StatusCode() == 404 {
		return nil
	}
	return commandError("destroy bridge", resp, err)
}

// AddChannel places a channel into a mixing bridge.
func (c *Commander) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("channel", channelID).
		Post(fmt.Sprintf("/bridges/%s/addChannel", bridgeID))
	return commandError("add channel to bridge", resp, err)
}

// ExternalMedia creates a unicast RTP media channel pointed at the given
// host:port, carrying µ-law audio. The caller supplies the channel identifier
// so the channel can be recognized when it enters the application.
func (c *Commander) ExternalMedia(ctx context.Context, channelID, externalHost string) (*Channel, error) {
	var ch Channel
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"app":           c.cfg.Application,
			"external_host": externalHost,
			"format":        "ulaw",
			"channelId":     channelID,
		}).
		SetResult(&ch).
		Post("/channels/externalMedia")
	if err := commandError("create external media channel", resp, err); err != nil {
		return nil, err
	}
	return &ch, nil
}

// SnoopChannel spies on the audio of an existing channel in the given
// direction ("in", "out" or "both"). The caller supplies the snoop identifier.
func (c *Commander) SnoopChannel(ctx context.Context, channelID, snoopID, direction string) (*Channel, error) {
	var ch Channel
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"app":     c.cfg.Application,
			"spy":     direction,
			"snoopId": snoopID,
		}).
		SetResult(&ch).
		Post(fmt.Sprintf("/channels/%s/snoop", channelID))
	if err := commandError("snoop channel", resp, err); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Play starts media playback on a channel and returns the playback handle.
func (c *Commander) Play(ctx context.Context, channelID, mediaURI string) (*Playback, error) {
	var pb Playback
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"media":      mediaURI,
			"playbackId": "pb-" + uuid.NewString(),
		}).
		SetResult(&pb).
		Post(fmt.Sprintf("/channels/%s/play", channelID))
	if err := commandError("play media", resp, err); err != nil {
		return nil, err
	}
	return &pb, nil
}

// StartRecording records the mixed audio of a bridge to the given name.
func (c *Commander) StartRecording(ctx context.Context, bridgeID, name string) error {
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"name":     name,
			"format":   "wav",
			"ifExists": "overwrite",
		}).
		Post(fmt.Sprintf("/bridges/%s/record", bridgeID))
	return commandError("start recording", resp, err)
}

// StopRecording finishes and stores a live recording. 404 is success.
func (c *Commander) StopRecording(ctx context.Context, name string) error {
	resp, err := c.http.R().SetContext(ctx).
		Post(fmt.Sprintf("/recordings/live/%s/stop", name))
	if resp != nil && resp.StatusCode() == 404 {
		return nil
	}
	return commandError("stop recording", resp, err)
}

// Originate places an outbound call through the given endpoint into the
// application, tagging it with the supplied arguments.
func (c *Commander) Originate(ctx context.Context, endpoint, callerID string, appArgs string) (*Channel, error) {
	var ch Channel
	params := map[string]string{
		"endpoint":  endpoint,
		"app":       c.cfg.Application,
		"channelId": "out-" + uuid.NewString(),
	}
	if callerID != "" {
		params["callerId"] = callerID
	}
	if appArgs != "" {
		params["appArgs"] = appArgs
	}
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(params).
		SetResult(&ch).
		Post("/channels")
	if err := commandError("originate call", resp, err); err != nil {
		return nil, err
	}
	return &ch, nil
}
