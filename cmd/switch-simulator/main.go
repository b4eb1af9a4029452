// switch-simulator connects to an iotgo core as a single on/off switch.
//
// It reports its state on connect, answers update requests from apps and
// reads "on" or "off" lines from stdin to flip the switch locally.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"

	"github.com/nerrad567/iotgo-core/internal/device"
	"github.com/nerrad567/iotgo-core/internal/infrastructure/config"
	"github.com/nerrad567/iotgo-core/internal/infrastructure/logging"
	"github.com/nerrad567/iotgo-core/internal/protocol"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := &cli.App{
		Name:  "switch-simulator",
		Usage: "Simulate an on/off switch connected to an iotgo core",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Usage:   "Websocket `URL` of the core",
				EnvVars: []string{"HOST"},
				Value:   "ws://localhost:3000/api/ws",
			},
			&cli.StringFlag{
				Name:     "deviceid",
				Usage:    "Device `ID`",
				EnvVars:  []string{"DEVICE_ID"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "apikey",
				Usage:    "Owner `APIKEY` of the device",
				EnvVars:  []string{"APIKEY"},
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			return runSimulator(c.Context, c.String("host"), c.String("deviceid"), c.String("apikey"), os.Stdin)
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// switchState is the params object the switch reports.
type switchState struct {
	On bool `json:"on"`
}

// simulator holds the switch state and the socket. gorilla/websocket allows
// one concurrent writer, so writes go through send.
type simulator struct {
	deviceID string
	apiKey   string
	ws       *websocket.Conn
	logger   *logging.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	state   switchState
}

func runSimulator(ctx context.Context, host, deviceID, apiKey string, input io.Reader) error {
	if !device.ValidID(deviceID) || !device.ValidID(apiKey) {
		return errors.New("deviceid and apikey must be valid ids")
	}

	u, err := url.Parse(host)
	if err != nil {
		return fmt.Errorf("parsing host: %w", err)
	}
	q := u.Query()
	q.Set("deviceid", deviceID)
	q.Set("apikey", apiKey)
	u.RawQuery = q.Encode()

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", host, err)
	}
	resp.Body.Close() //nolint:errcheck // Upgrade response has no body

	s := &simulator{
		deviceID: deviceID,
		apiKey:   apiKey,
		ws:       ws,
		logger:   logging.New(config.LoggingConfig{Level: "info", Format: "text", Output: "stderr"}, "simulator"),
	}
	s.logger.Info("connected", "host", host, "deviceid", deviceID)

	go func() {
		<-ctx.Done()
		ws.Close() //nolint:errcheck // Unblocks the read loop
	}()
	go s.readInput(input)

	if err := s.sendState(); err != nil {
		ws.Close() //nolint:errcheck // Already failing
		return err
	}
	return s.readLoop(ctx)
}

// readLoop answers frames until the socket closes.
func (s *simulator) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Info("disconnected", "error", err)
			return nil
		}
		s.logger.Info("received", "frame", string(data))

		reply, ok := s.handle(data)
		if !ok {
			continue
		}
		if err := s.send(reply); err != nil {
			return err
		}
	}
}

// handle applies an update request and returns the confirmation to send.
// Anything else gets no reply.
func (s *simulator) handle(data []byte) (protocol.Response, bool) {
	kind, req, _ := protocol.Classify(data)
	if kind != protocol.KindRequest || req.Action != "update" {
		return protocol.Response{}, false
	}

	var params struct {
		On *bool `json:"on"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		res := protocol.Failure(protocol.CodeBadRequest)
		res.Sequence = req.Sequence
		return res, true
	}
	if params.On != nil {
		s.mu.Lock()
		s.state.On = *params.On
		s.mu.Unlock()
	}
	return protocol.Response{Error: protocol.CodeOK, Sequence: req.Sequence}, true
}

// readInput flips the switch on "on" and "off" lines.
func (s *simulator) readInput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "on":
			s.set(true)
		case "off":
			s.set(false)
		default:
			s.logger.Info("unknown input, type on or off")
			continue
		}
		if err := s.sendState(); err != nil {
			s.logger.Warn("sending state failed", "error", err)
			return
		}
	}
}

func (s *simulator) set(on bool) {
	s.mu.Lock()
	s.state.On = on
	s.mu.Unlock()
}

// sendState reports the current state as a device update.
func (s *simulator) sendState() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	params, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	return s.send(protocol.Request{
		Action:   "update",
		DeviceID: s.deviceID,
		APIKey:   s.apiKey,
		Params:   params,
	})
}

func (s *simulator) send(v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
