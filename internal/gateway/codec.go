package gateway

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MatthewCash/discord-autoclient/internal/presence"
)

// Gateway opcodes used by the engine.
const (
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpPresenceUpdate = 3
	OpHello          = 10
	OpHeartbeatAck   = 11
)

const (
	// DefaultURL is the gateway endpoint, JSON encoding, API v9.
	DefaultURL = "wss://gateway.discord.gg/?encoding=json&v=9"

	// UserAgent is sent both in the handshake and in the identify fingerprint.
	UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	identifyCapabilities = 16381
	clientBuildNumber    = 291963
	customStatusName     = "Custom Status"
	presenceSince        = 1000
)

// Frame is an outbound gateway payload.
type Frame struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

// Marshal encodes the frame as JSON text.
func (f Frame) Marshal() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, ErrProtocol("encode frame", err)
	}
	return data, nil
}

// IdentifyData is the body of an identify frame.
type IdentifyData struct {
	Token        string           `json:"token"`
	Capabilities int              `json:"capabilities"`
	Properties   ClientProperties `json:"properties"`
	Presence     PresenceData     `json:"presence"`
	Compress     bool             `json:"compress"`
	ClientState  ClientState      `json:"client_state"`
}

// ClientProperties is the fixed browser fingerprint sent on identify.
type ClientProperties struct {
	OS                     string  `json:"os"`
	Browser                string  `json:"browser"`
	Device                 string  `json:"device"`
	SystemLocale           string  `json:"system_locale"`
	BrowserUserAgent       string  `json:"browser_user_agent"`
	BrowserVersion         string  `json:"browser_version"`
	OSVersion              string  `json:"os_version"`
	Referrer               string  `json:"referrer"`
	ReferringDomain        string  `json:"referring_domain"`
	ReferrerCurrent        string  `json:"referrer_current"`
	ReferringDomainCurrent string  `json:"referring_domain_current"`
	ReleaseChannel         string  `json:"release_channel"`
	ClientBuildNumber      int     `json:"client_build_number"`
	ClientEventSource      *string `json:"client_event_source"`
}

// ClientState is sent empty; the gateway then streams full guild state.
type ClientState struct {
	GuildVersions map[string]any `json:"guild_versions"`
}

// PresenceData is the presence object shared by identify and presence updates.
type PresenceData struct {
	Status     string `json:"status"`
	AFK        bool   `json:"afk"`
	Since      int64  `json:"since"`
	Activities []any  `json:"activities"`
}

type customStatusActivity struct {
	Type  discordgo.ActivityType `json:"type"`
	Name  string                 `json:"name"`
	State *string                `json:"state"`
	Emoji *emojiData             `json:"emoji"`
}

type emojiData struct {
	ID   *string `json:"id"`
	Name string  `json:"name"`
}

type richActivity struct {
	Type          discordgo.ActivityType `json:"type"`
	Name          string                 `json:"name"`
	ApplicationID string                 `json:"application_id"`
	Details       string                 `json:"details"`
	Assets        *assetsData            `json:"assets"`
	Timestamps    *timestampsData        `json:"timestamps,omitempty"`
	Buttons       []string               `json:"buttons"`
	Metadata      activityMetadata       `json:"metadata"`
}

type assetsData struct {
	LargeImage string `json:"large_image"`
	LargeText  string `json:"large_text"`
	SmallImage string `json:"small_image"`
	SmallText  string `json:"small_text"`
}

type timestampsData struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

type activityMetadata struct {
	ButtonURLs []string `json:"button_urls"`
}

func clientProperties() ClientProperties {
	return ClientProperties{
		OS:                "Windows",
		Browser:           "Chrome",
		SystemLocale:      "en-US",
		BrowserUserAgent:  UserAgent,
		BrowserVersion:    "120.0.0.0",
		OSVersion:         "10",
		ReleaseChannel:    "stable",
		ClientBuildNumber: clientBuildNumber,
	}
}

// EncodePresence maps a presence to its wire object. The custom status
// activity is always first; the rich activity follows only when configured.
func EncodePresence(p presence.Presence) PresenceData {
	custom := customStatusActivity{
		Type:  discordgo.ActivityTypeCustom,
		Name:  customStatusName,
		State: p.Text,
	}
	if p.Emoji != nil {
		custom.Emoji = &emojiData{ID: p.Emoji.ID, Name: p.Emoji.Name}
	}

	activities := []any{custom}
	if p.Activity != nil {
		activities = append(activities, encodeActivity(p.Activity))
	}

	return PresenceData{
		Status:     string(p.Status),
		AFK:        true,
		Since:      presenceSince,
		Activities: activities,
	}
}

func encodeActivity(a *presence.Activity) richActivity {
	out := richActivity{
		Type:          discordgo.ActivityTypeWatching,
		Name:          a.Name,
		ApplicationID: a.ID,
		Details:       a.Details,
		Buttons:       make([]string, 0, len(a.Buttons)),
		Metadata:      activityMetadata{ButtonURLs: make([]string, 0, len(a.Buttons))},
	}
	if a.Assets != nil {
		out.Assets = &assetsData{
			LargeImage: a.Assets.LargeImage,
			LargeText:  a.Assets.LargeText,
			SmallImage: a.Assets.SmallImage,
			SmallText:  a.Assets.SmallText,
		}
	}
	if a.Timestamps != nil && !a.Timestamps.IsZero() {
		out.Timestamps = &timestampsData{Start: a.Timestamps.Start, End: a.Timestamps.End}
	}
	for _, b := range a.Buttons {
		out.Buttons = append(out.Buttons, b.Label)
		out.Metadata.ButtonURLs = append(out.Metadata.ButtonURLs, b.URL)
	}
	return out
}

// EncodeIdentify builds the identify frame announcing id with presence p.
func EncodeIdentify(id presence.Identity, p presence.Presence) Frame {
	return Frame{
		Op: OpIdentify,
		D: IdentifyData{
			Token:        id.Token,
			Capabilities: identifyCapabilities,
			Properties:   clientProperties(),
			Presence:     EncodePresence(p),
			Compress:     false,
			ClientState:  ClientState{GuildVersions: map[string]any{}},
		},
	}
}

// EncodePresenceUpdate builds a standalone presence update frame.
func EncodePresenceUpdate(p presence.Presence) Frame {
	return Frame{Op: OpPresenceUpdate, D: EncodePresence(p)}
}

// EncodeHeartbeat builds a heartbeat echoing seq, or null when no sequence
// has been seen on the connection yet.
func EncodeHeartbeat(seq *int64) Frame {
	if seq == nil {
		return Frame{Op: OpHeartbeat, D: nil}
	}
	return Frame{Op: OpHeartbeat, D: *seq}
}

// ControlFrame is a decoded inbound frame.
type ControlFrame struct {
	Op       int
	Sequence *int64
	Data     json.RawMessage
}

type inboundFrame struct {
	Op json.RawMessage `json:"op"`
	S  json.RawMessage `json:"s"`
	D  json.RawMessage `json:"d"`
}

// DecodeControlFrame parses inbound JSON text. ok is false for frames the
// engine skips: empty input, non-objects, empty objects, and objects without
// an integer op.
func DecodeControlFrame(data []byte) (frame ControlFrame, ok bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return ControlFrame{}, false
	}
	var raw inboundFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return ControlFrame{}, false
	}
	op, isInt := decodeInt(raw.Op)
	if !isInt {
		return ControlFrame{}, false
	}
	frame = ControlFrame{Op: int(op), Data: raw.D}
	if seq, isInt := decodeInt(raw.S); isInt {
		frame.Sequence = &seq
	}
	return frame, true
}

func decodeInt(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

type helloData struct {
	HeartbeatInterval *int64 `json:"heartbeat_interval"`
}

// HeartbeatInterval returns the interval announced by a hello frame.
func (f ControlFrame) HeartbeatInterval() (time.Duration, bool) {
	if f.Op != OpHello || len(f.Data) == 0 {
		return 0, false
	}
	var hello helloData
	if err := json.Unmarshal(f.Data, &hello); err != nil || hello.HeartbeatInterval == nil {
		return 0, false
	}
	if *hello.HeartbeatInterval <= 0 {
		return 0, false
	}
	return time.Duration(*hello.HeartbeatInterval) * time.Millisecond, true
}
