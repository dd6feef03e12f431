// Package push fans a notification out to every active device a user has
// registered (spec §4.6). Delivery is best-effort: there is no retry, and
// a per-device outcome is always returned even when the underlying
// request fails.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pulserelay/internal/config"
	"pulserelay/internal/middleware"
	"pulserelay/internal/models"
	"pulserelay/internal/observability"
	"pulserelay/internal/repository"

	"log/slog"
)

// Priority selects the platform-specific delivery flags a downstream push
// gateway uses to decide ringer/interruption behavior. The abstract
// contract stays best-effort regardless of priority.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
	PriorityData     Priority = "data"
)

// Notification is the platform-agnostic payload handed to every active
// device; Sender translates it into the wire shape the push gateway
// expects.
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Sound    string            `json:"sound,omitempty"`
	Priority Priority          `json:"priority"`
	Data     map[string]string `json:"data,omitempty"`
}

// DeviceResult is the per-device outcome of one fan-out attempt. It is
// plain data so callers can log it as a single structured field.
type DeviceResult struct {
	DeviceID uint   `json:"device_id"`
	Platform string `json:"platform"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Outcome aggregates a fan-out across every device a user had active at
// send time.
type Outcome struct {
	Success      bool           `json:"success"`
	TotalDevices int            `json:"total_devices"`
	SuccessCount int            `json:"success_count"`
	Devices      []DeviceResult `json:"devices"`
}

// Sender resolves a user's active devices and delivers a notification to
// each in parallel. There is no first-party Go SDK for any push gateway
// in this stack, so delivery goes over a plain JSON HTTP POST; see
// DESIGN.md for why this is the one component built on net/http directly
// rather than an ecosystem client.
type Sender struct {
	devices             repository.DeviceRepository
	client              *http.Client
	serviceURL          string
	apiKey              string
	deactivateThreshold int
}

// NewSender builds a Sender from relay configuration.
func NewSender(devices repository.DeviceRepository, cfg *config.Config) *Sender {
	timeout := time.Duration(cfg.PushRequestTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	threshold := cfg.DeviceFailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return &Sender{
		devices:             devices,
		client:              &http.Client{Timeout: timeout},
		serviceURL:          cfg.PushServiceURL,
		apiKey:              cfg.PushServiceAPIKey,
		deactivateThreshold: threshold,
	}
}

// SendToUser delivers n to every active device the user has registered,
// across all platforms.
func (s *Sender) SendToUser(ctx context.Context, userID uint, n Notification) (Outcome, error) {
	devices, err := s.devices.ListActiveForUser(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	return s.fanOut(ctx, devices, n), nil
}

// SendToUserPlatform delivers n only to active devices on the given
// platform. The repeating alert loop uses this to target web consumers
// exclusively (spec §4.5).
func (s *Sender) SendToUserPlatform(ctx context.Context, userID uint, platform string, n Notification) (Outcome, error) {
	devices, err := s.devices.ListActiveForUserByPlatform(ctx, userID, platform)
	if err != nil {
		return Outcome{}, err
	}
	return s.fanOut(ctx, devices, n), nil
}

func (s *Sender) fanOut(ctx context.Context, devices []models.Device, n Notification) Outcome {
	out := Outcome{TotalDevices: len(devices), Devices: make([]DeviceResult, len(devices))}
	if len(devices) == 0 {
		out.Success = true
		return out
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for i, d := range devices {
		wg.Add(1)
		go func(i int, d models.Device) {
			defer wg.Done()
			sendErr := s.sendOne(ctx, d, n)

			mu.Lock()
			out.Devices[i] = DeviceResult{DeviceID: d.ID, Platform: d.Platform, Success: sendErr == nil}
			if sendErr != nil {
				out.Devices[i].Error = sendErr.Error()
			} else {
				out.SuccessCount++
			}
			mu.Unlock()

			s.recordOutcome(ctx, d.ID, sendErr)
		}(i, d)
	}
	wg.Wait()

	out.Success = out.SuccessCount > 0
	observability.PushOutcomesTotal.WithLabelValues(string(n.Priority), outcomeLabel(out.Success)).Inc()
	return out
}

func outcomeLabel(success bool) string {
	if success {
		return "delivered"
	}
	return "failed"
}

func (s *Sender) recordOutcome(ctx context.Context, deviceID uint, sendErr error) {
	if sendErr == nil {
		if err := s.devices.RecordSuccess(ctx, deviceID); err != nil {
			middleware.Logger.Warn("push: failed to record device success", slog.Uint64("device_id", uint64(deviceID)), slog.String("err", err.Error()))
		}
		return
	}
	if err := s.devices.RecordFailure(ctx, deviceID, sendErr.Error(), s.deactivateThreshold); err != nil {
		middleware.Logger.Warn("push: failed to record device failure", slog.Uint64("device_id", uint64(deviceID)), slog.String("err", err.Error()))
	}
}

type wirePayload struct {
	Token    string            `json:"token"`
	Platform string            `json:"platform"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Sound    string            `json:"sound,omitempty"`
	Priority string            `json:"priority"`
	Data     map[string]string `json:"data,omitempty"`
}

func (s *Sender) sendOne(ctx context.Context, d models.Device, n Notification) error {
	if s.serviceURL == "" {
		return fmt.Errorf("push: no service url configured")
	}

	body, err := json.Marshal(wirePayload{
		Token:    d.PushToken,
		Platform: d.Platform,
		Title:    n.Title,
		Body:     n.Body,
		Sound:    n.Sound,
		Priority: string(n.Priority),
		Data:     n.Data,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serviceURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned status %d", resp.StatusCode)
	}
	return nil
}
