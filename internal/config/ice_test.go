package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
		{"urls": "stun:stun.l.google.com:19302"},
		{"urls": ["turn:turn.example.com:3478", "turns:turn.example.com:5349"], "username": "u", "credential": "c"}
	]`
	servers, err := ParseICEServersJSON(raw, false)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("stun url = %q", servers[0].URLs[0])
	}
	if servers[1].Username != "u" {
		t.Errorf("username = %q", servers[1].Username)
	}
	if cred, _ := servers[1].Credential.(string); cred != "c" {
		t.Errorf("credential = %v", servers[1].Credential)
	}
}

func TestParseICEServersJSON_Invalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "nope"},
		{name: "missing urls", raw: `[{"username": "u"}]`},
		{name: "bad scheme", raw: `[{"urls": "http://example.com"}]`},
		{name: "turn without creds", raw: `[{"urls": "turn:turn.example.com:3478"}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseICEServersJSON(tc.raw, false); err == nil {
				t.Fatalf("accepted %q", tc.raw)
			}
		})
	}
}

func TestParseICEServersJSON_TURNRESTAllowsBareTURN(t *testing.T) {
	raw := `[{"urls": "turn:turn.example.com:3478"}]`
	servers, err := ParseICEServersJSON(raw, true)
	if err != nil {
		t.Fatalf("ParseICEServersJSON with TURN REST: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("servers = %d", len(servers))
	}
}

func TestConvenienceEnv(t *testing.T) {
	servers, err := parseICEServersFromConvenienceEnv(
		"stun:a.example.com, stun:b.example.com",
		"turn:t.example.com:3478",
		"user", "pass", false,
	)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers = %d, want stun group + turn group", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Errorf("stun urls = %v", servers[0].URLs)
	}
	if servers[1].Username != "user" {
		t.Errorf("turn username = %q", servers[1].Username)
	}
}

func TestConvenienceEnv_TURNNeedsCreds(t *testing.T) {
	_, err := parseICEServersFromConvenienceEnv("", "turn:t.example.com", "", "", false)
	if err == nil {
		t.Fatalf("turn without credentials accepted")
	}
	if !strings.Contains(err.Error(), envTurnUsername) {
		t.Fatalf("err = %v, should name the env vars", err)
	}

	// With TURN REST enabled the credentials are minted later.
	servers, err := parseICEServersFromConvenienceEnv("", "turn:t.example.com", "", "", true)
	if err != nil {
		t.Fatalf("turn rest mode: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("servers = %d", len(servers))
	}
}
