package schema

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Action names a downstream control command.
type Action string

const (
	ActionRestartPage      Action = "restart_page"
	ActionGetStatus        Action = "get_status"
	ActionForceAssetChange Action = "force_asset_change"
	ActionEmergencyStop    Action = "emergency_stop"
	ActionHealthCheck      Action = "health_check"
	ActionChangeSettings   Action = "change_settings"
	ActionWebsocketStatus  Action = "websocket_status"
)

// Command is one line received on the downstream connection.
type Command struct {
	ID         string          `json:"id,omitempty"`
	Action     Action          `json:"action"`
	Asset      string          `json:"asset,omitempty"`
	Settings   json.RawMessage `json:"settings,omitempty"`
	ReceivedAt time.Time       `json:"-"`
}

// ParseCommand decodes one command line.
func ParseCommand(line []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return Command{}, fmt.Errorf("command decode: %w", err)
	}
	cmd.Action = Action(strings.ToLower(strings.TrimSpace(string(cmd.Action))))
	if cmd.Action == "" {
		return Command{}, fmt.Errorf("command action required")
	}
	cmd.Asset = strings.TrimSpace(cmd.Asset)
	return cmd, nil
}

// Ack acknowledges a processed command.
type Ack struct {
	ID        string    `json:"id,omitempty"`
	Action    Action    `json:"action"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Result    any       `json:"result,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
