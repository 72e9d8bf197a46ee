package wire

import "encoding/json"

// MaxTextLength caps user-visible text carried in tells, emotes, and channel
// messages.
const MaxTextLength = 4096

// TellPayload carries a direct player-to-player message.
type TellPayload struct {
	Message   string `json:"message"`
	Formatted string `json:"formatted,omitempty"`
}

// EmotePayload carries a free-form emote; Target is set for emoteto frames.
type EmotePayload struct {
	Action    string `json:"action"`
	Target    string `json:"target,omitempty"`
	Formatted string `json:"formatted,omitempty"`
}

// ChannelAction enumerates channel operations a peer may request.
type ChannelAction string

const (
	ChannelActionJoin    ChannelAction = "join"
	ChannelActionLeave   ChannelAction = "leave"
	ChannelActionMessage ChannelAction = "message"
	ChannelActionList    ChannelAction = "list"
)

// ChannelPayload carries channel traffic and membership requests.
type ChannelPayload struct {
	Channel   string        `json:"channel"`
	Message   string        `json:"message,omitempty"`
	Action    ChannelAction `json:"action,omitempty"`
	Formatted string        `json:"formatted,omitempty"`
}

// WhoSort enumerates accepted who-request sort orders.
type WhoSort string

const (
	WhoSortAlpha  WhoSort = "alpha"
	WhoSortIdle   WhoSort = "idle"
	WhoSortLevel  WhoSort = "level"
	WhoSortRandom WhoSort = "random"
)

// WhoFormat enumerates accepted who-request output formats.
type WhoFormat string

const (
	WhoFormatShort WhoFormat = "short"
	WhoFormatLong  WhoFormat = "long"
)

// UserInfo describes one user in who/finger responses.
type UserInfo struct {
	Username    string   `json:"username"`
	DisplayName string   `json:"displayName,omitempty"`
	IdleTime    int64    `json:"idleTime,omitempty"`
	Location    string   `json:"location,omitempty"`
	Level       int      `json:"level,omitempty"`
	Flags       []string `json:"flags,omitempty"`
	Email       string   `json:"email,omitempty"`
	RealName    string   `json:"realName,omitempty"`
	Plan        string   `json:"plan,omitempty"`
	LastLogin   string   `json:"lastLogin,omitempty"`
}

// WhoPayload carries a who request or its response.
type WhoPayload struct {
	Request bool       `json:"request"`
	Sort    WhoSort    `json:"sort,omitempty"`
	Format  WhoFormat  `json:"format,omitempty"`
	Filter  string     `json:"filter,omitempty"`
	Users   []UserInfo `json:"users,omitempty"`
}

// FingerPayload carries a finger request or its response.
type FingerPayload struct {
	User    string    `json:"user"`
	Request bool      `json:"request"`
	Info    *UserInfo `json:"info,omitempty"`
}

// UserLocation is one entry in a locate response.
type UserLocation struct {
	Mud    string `json:"mud"`
	Room   string `json:"room,omitempty"`
	Area   string `json:"area,omitempty"`
	Online bool   `json:"online"`
}

// LocatePayload carries a locate request or its response.
type LocatePayload struct {
	User      string         `json:"user"`
	Request   bool           `json:"request"`
	Locations []UserLocation `json:"locations,omitempty"`
}

// PresenceStatus enumerates presence states.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
)

// PresencePayload carries a presence update.
type PresencePayload struct {
	Status   PresenceStatus `json:"status"`
	Activity string         `json:"activity,omitempty"`
	Location string         `json:"location,omitempty"`
}

// AuthPayload carries the authentication handshake in both directions.
type AuthPayload struct {
	MudName  string `json:"mudName,omitempty"`
	Token    string `json:"token,omitempty"`
	Response string `json:"response,omitempty"`
}

// PingPayload carries an application-layer ping or pong timestamp
// (milliseconds since the Unix epoch).
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorPayload carries a protocol error.
type ErrorPayload struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// MudInfo describes one peer in a mudlist response.
type MudInfo struct {
	Name        string `json:"name"`
	Host        string `json:"host,omitempty"`
	Version     string `json:"version,omitempty"`
	Uptime      int64  `json:"uptime,omitempty"`
	Admin       string `json:"admin,omitempty"`
	Email       string `json:"email,omitempty"`
	Description string `json:"description,omitempty"`
	UserCount   int    `json:"userCount,omitempty"`
}

// MudlistPayload carries a mudlist request or its response.
type MudlistPayload struct {
	Request bool      `json:"request"`
	Muds    []MudInfo `json:"muds,omitempty"`
}

// ChannelInfo describes one channel in a channels response.
type ChannelInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	MemberCount int      `json:"memberCount"`
	Flags       []string `json:"flags,omitempty"`
}

// ChannelsPayload carries a channel-list request or its response.
type ChannelsPayload struct {
	Request  bool          `json:"request"`
	Channels []ChannelInfo `json:"channels,omitempty"`
}

// validatePayload checks the kind-specific schema. Unknown payload fields are
// tolerated for forward compatibility; required fields and enum values are not.
func validatePayload(t Type, raw json.RawMessage) *DecodeError {
	switch t {
	case TypeTell:
		var p TellPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return schemaErr("payload", "malformed tell payload")
		}
		if p.Message == "" {
			return schemaErr("payload.message", "required")
		}
		if len(p.Message) > MaxTextLength {
			return schemaErr("payload.message", "exceeds 4096 characters")
		}
	case TypeEmote, TypeEmoteTo:
		var p EmotePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return schemaErr("payload", "malformed emote payload")
		}
		if p.Action == "" {
			return schemaErr("payload.action", "required")
		}
		if len(p.Action) > MaxTextLength {
			return schemaErr("payload.action", "exceeds 4096 characters")
		}
	case TypeChannel:
		var p ChannelPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return schemaErr("payload", "malformed channel payload")
		}
		if p.Channel == "" {
			return schemaErr("payload.channel", "required")
		}
		switch p.Action {
		case ChannelActionJoin, ChannelActionLeave, ChannelActionList:
		case ChannelActionMessage, "":
			if p.Message == "" {
				return schemaErr("payload.message", "required for message action")
			}
			if len(p.Message) > MaxTextLength {
				return schemaErr("payload.message", "exceeds 4096 characters")
			}
		default:
			return schemaErr("payload.action", "unknown channel action")
		}
	case TypeWho:
		var p WhoPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return schemaErr("payload", "malformed who payload")
		}
		switch p.Sort {
		case "", WhoSortAlpha, WhoSortIdle, WhoSortLevel, WhoSortRandom:
		default:
			return schemaErr("payload.sort", "unknown sort order")
		}
		switch p.Format {
		case "", WhoFormatShort, WhoFormatLong:
		default:
			return schemaErr("payload.format", "unknown format")
		}
	case TypeFinger:
		var p FingerPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return schemaErr("payload", "malformed finger payload")
		}
		if p.Request && p.User == "" {
			return schemaErr("payload.user", "required")
		}
	case TypeLocate:
		var p LocatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return schemaErr("payload", "malformed locate payload")
		}
		if p.Request && p.User == "" {
			return schemaErr("payload.user", "required")
		}
	case TypePresence:
		var p PresencePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return schemaErr("payload", "malformed presence payload")
		}
		switch p.Status {
		case PresenceOnline, PresenceOffline, PresenceAway, PresenceBusy:
		default:
			return schemaErr("payload.status", "unknown presence status")
		}
	case TypeAuth:
		var p AuthPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return schemaErr("payload", "malformed auth payload")
		}
	case TypePing, TypePong:
		var p PingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return schemaErr("payload", "malformed ping payload")
		}
		if p.Timestamp <= 0 {
			return schemaErr("payload.timestamp", "required")
		}
	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return schemaErr("payload", "malformed error payload")
		}
		if p.Code == 0 {
			return schemaErr("payload.code", "required")
		}
	case TypeMudlist:
		var p MudlistPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return schemaErr("payload", "malformed mudlist payload")
		}
	case TypeChannels:
		var p ChannelsPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return schemaErr("payload", "malformed channels payload")
		}
	}
	return nil
}
