package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

var iceSchemes = []string{"stun:", "stuns:", "turn:", "turns:"}

// parseICEServersFromValues prefers the JSON form. The STUN/TURN convenience
// values are only consulted when no JSON is given.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ICEServersFromURLs(stunURLs, turnURLs, turnUsername, turnCredential)
}

// iceURLs accepts both `"urls": "stun:..."` and `"urls": ["stun:..."]`, the
// two shapes RTCIceServer allows in browsers.
type iceURLs []string

func (u *iceURLs) UnmarshalJSON(b []byte) error {
	var one string
	if json.Unmarshal(b, &one) == nil {
		*u = iceURLs{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("urls must be a string or an array of strings: %w", err)
	}
	*u = many
	return nil
}

type iceServerEntry struct {
	URLs       iceURLs `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// ParseICEServersJSON parses an RTCIceServer-style JSON array.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		server := newICEServer(compact(entry.URLs), entry.Username, entry.Credential)
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// ICEServersFromURLs builds at most two ICE servers: one for the STUN URLs
// and one for the TURN URLs with their shared credentials.
func ICEServersFromURLs(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stun := splitCommaSeparated(stunURLs); len(stun) > 0 {
		server := newICEServer(stun, "", "")
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if turn := splitCommaSeparated(turnURLs); len(turn) > 0 {
		if strings.TrimSpace(turnUsername) == "" || strings.TrimSpace(turnCredential) == "" {
			return nil, fmt.Errorf("%s and %s are required with %s", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := newICEServer(turn, turnUsername, turnCredential)
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func newICEServer(urls []string, username, credential string) webrtc.ICEServer {
	server := webrtc.ICEServer{
		URLs:     urls,
		Username: strings.TrimSpace(username),
	}
	if cred := strings.TrimSpace(credential); cred != "" {
		server.Credential = cred
	}
	return server
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("no urls")
	}

	needsCredentials := false
	for _, url := range server.URLs {
		scheme, ok := iceScheme(url)
		if !ok {
			return fmt.Errorf("unsupported url %q", url)
		}
		if scheme == "turn:" || scheme == "turns:" {
			needsCredentials = true
		}
	}
	if !needsCredentials {
		return nil
	}

	if server.Username == "" {
		return errors.New("turn url without username")
	}
	if cred, _ := server.Credential.(string); cred == "" {
		return errors.New("turn url without credential")
	}
	return nil
}

func iceScheme(url string) (string, bool) {
	for _, scheme := range iceSchemes {
		if strings.HasPrefix(url, scheme) {
			return scheme, true
		}
	}
	return "", false
}

func splitCommaSeparated(value string) []string {
	return compact(strings.Split(value, ","))
}

// compact trims every element and drops the empty ones. It returns nil when
// nothing is left.
func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
