/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: controller.go
Description: Client side of the execution protocol. The controller drives one simulation host
through Initialize, Reset and Run and enforces legal sequencing before anything reaches the
wire. It counts completed runs so the iteration limit is honored without a round trip.
*/

package controller

import (
	"errors"
	"fmt"

	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/protocol"
	"github.com/sirupsen/logrus"
)

var (
	// ErrStuckExecutor is returned when the host does not answer within the wall-clock limit
	ErrStuckExecutor = errors.New("executor stuck")
	// ErrResource is returned when a shared region announced by the host cannot be mapped
	ErrResource = errors.New("shared resource unavailable")
	// ErrIterationLimit is returned by Reset once the configured number of runs completed
	ErrIterationLimit = errors.New("iteration limit reached")
)

// Controller is the protocol client for one host
type Controller struct {
	endpoint *protocol.Endpoint
	logger   logrus.FieldLogger

	limit int64
	runs  int64
}

// New creates a controller over a transport
func New(t protocol.Transport, logger logrus.FieldLogger) *Controller {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Controller{
		endpoint: protocol.NewEndpoint(protocol.Client, t, logger),
		logger:   logger,
	}
}

// Initialize configures the host and returns the shared resources it announced
func (c *Controller) Initialize(cfg protocol.InputConfig) (protocol.OutputConfig, error) {
	if err := c.endpoint.Send(protocol.Initialize(cfg)); err != nil {
		return protocol.OutputConfig{}, fmt.Errorf("failed to send initialize: %w", err)
	}
	msg, err := c.endpoint.Expect(protocol.MsgInitialized)
	if err != nil {
		return protocol.OutputConfig{}, fmt.Errorf("host did not initialize: %w", err)
	}
	c.limit = cfg.Iterations

	c.logger.WithFields(logrus.Fields{
		"processors":     len(msg.Output.Processors),
		"coverage_size":  msg.Output.Coverage.Size,
		"cmplog":         msg.Output.CmpLog != nil,
		"buffer_address": fmt.Sprintf("%#x", msg.Output.BufferAddress),
		"buffer_size":    msg.Output.BufferSize,
	}).Debug("Host initialized")
	return *msg.Output, nil
}

// Reset restores the host to its start snapshot. Once the iteration limit is reached nothing
// is sent and ErrIterationLimit is returned.
func (c *Controller) Reset() error {
	if c.LimitReached() {
		return ErrIterationLimit
	}
	if err := c.endpoint.Send(protocol.Reset()); err != nil {
		return fmt.Errorf("failed to send reset: %w", err)
	}
	if _, err := c.endpoint.Expect(protocol.MsgReady); err != nil {
		return fmt.Errorf("host did not become ready: %w", err)
	}
	return nil
}

// Run executes one input and returns the reason the run stopped
func (c *Controller) Run(input []byte) (interfaces.StopReason, error) {
	if err := c.endpoint.Send(protocol.Run(input)); err != nil {
		return interfaces.StopReason{}, fmt.Errorf("failed to send run: %w", err)
	}
	msg, err := c.endpoint.Expect(protocol.MsgStopped)
	if err != nil {
		return interfaces.StopReason{}, fmt.Errorf("host did not stop: %w", err)
	}
	c.runs++
	return *msg.Reason, nil
}

// Exit ends the session and closes the transport. Safe to call more than once.
func (c *Controller) Exit() error {
	var err error
	if !c.endpoint.Done() {
		if sendErr := c.endpoint.Send(protocol.Exit()); sendErr != nil && !errors.Is(sendErr, protocol.ErrChannelClosed) {
			err = fmt.Errorf("failed to send exit: %w", sendErr)
		}
	}
	if closeErr := c.endpoint.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// State returns the client's protocol state
func (c *Controller) State() protocol.State {
	return c.endpoint.State()
}

// Runs returns the number of completed runs
func (c *Controller) Runs() int64 {
	return c.runs
}

// LimitReached reports whether the iteration limit has been used up
func (c *Controller) LimitReached() bool {
	return c.limit > 0 && c.runs >= c.limit
}
