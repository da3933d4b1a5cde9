package rpc

import "testing"

func TestSplitIdentity(t *testing.T) {
	tests := []struct {
		path         string
		wantIdentity string
		wantEndpoint string
		wantErr      bool
	}{
		{"/ocpp/CP001", "CP001", "/ocpp", false},
		{"/ocpp/CP001/", "CP001", "/ocpp", false},
		{"/CP%20001", "CP 001", "", false},
		{"/", "", "", true},
		{"CP001", "", "", true},
		{"", "", "", true},
	}
	for _, tc := range tests {
		identity, endpoint, err := splitIdentity(tc.path)
		if tc.wantErr {
			if err == nil {
				t.Errorf("splitIdentity(%q): expected an error", tc.path)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitIdentity(%q): unexpected error: %v", tc.path, err)
			continue
		}
		if identity != tc.wantIdentity || endpoint != tc.wantEndpoint {
			t.Errorf("splitIdentity(%q) = (%q, %q), want (%q, %q)", tc.path, identity, endpoint, tc.wantIdentity, tc.wantEndpoint)
		}
	}
}

func TestSplitProtocols(t *testing.T) {
	tests := []struct {
		header string
		want   []string
	}{
		{"", nil},
		{"ocpp1.6", []string{"ocpp1.6"}},
		{"ocpp1.6, ocpp2.0.1", []string{"ocpp1.6", "ocpp2.0.1"}},
		{" ocpp1.6 ,, ocpp2.0.1 ", []string{"ocpp1.6", "ocpp2.0.1"}},
	}
	for _, tc := range tests {
		got := splitProtocols(tc.header)
		if len(got) != len(tc.want) {
			t.Errorf("splitProtocols(%q) = %v, want %v", tc.header, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("splitProtocols(%q) = %v, want %v", tc.header, got, tc.want)
				break
			}
		}
	}
}

func TestParseBasicAuth(t *testing.T) {
	// "CP001:secret" base64-encoded.
	const header = "Basic Q1AwMDE6c2VjcmV0"
	user, pass, ok := parseBasicAuth(header, "CP001")
	if !ok || user != "CP001" || pass != "secret" {
		t.Fatalf("parseBasicAuth(%q) = (%q, %q, %v), want (CP001, secret, true)", header, user, pass, ok)
	}

	if _, _, ok := parseBasicAuth("", "CP001"); ok {
		t.Error("parseBasicAuth with empty header should report false")
	}
	if _, _, ok := parseBasicAuth("Bearer xyz", "CP001"); ok {
		t.Error("parseBasicAuth with a non-Basic scheme should report false")
	}
	if _, _, ok := parseBasicAuth("Basic not-base64!!", "CP001"); ok {
		t.Error("parseBasicAuth with invalid base64 should report false")
	}
	// Mismatched identity prefix.
	if _, _, ok := parseBasicAuth(header, "OtherCP"); ok {
		t.Error("parseBasicAuth should reject a decoded identity that doesn't match")
	}
}

func TestParseBasicAuthTolerantOfColonsInPassword(t *testing.T) {
	// "CP001:pass:with:colons" base64-encoded.
	const header = "Basic Q1AwMDE6cGFzczp3aXRoOmNvbG9ucw=="
	_, pass, ok := parseBasicAuth(header, "CP001")
	if !ok || pass != "pass:with:colons" {
		t.Fatalf("parseBasicAuth(%q) = (_, %q, %v), want (_, pass:with:colons, true)", header, pass, ok)
	}
}

func TestSelectProtocol(t *testing.T) {
	tests := []struct {
		name       string
		explicit   string
		requested  []string
		preferred  []string
		want       string
		wantErr    bool
	}{
		{"explicit accepted", "ocpp1.6", []string{"ocpp1.6", "ocpp2.0.1"}, nil, "ocpp1.6", false},
		{"explicit not requested", "ocpp2.0.1", []string{"ocpp1.6"}, nil, "", true},
		{"server preference wins", "", []string{"ocpp1.6", "ocpp2.0.1"}, []string{"ocpp2.0.1", "ocpp1.6"}, "ocpp2.0.1", false},
		{"no overlap", "", []string{"ocpp1.6"}, []string{"ocpp2.0.1"}, "", false},
		{"no preference configured", "", []string{"ocpp1.6"}, nil, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := selectProtocol(tc.explicit, tc.requested, tc.preferred)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("selectProtocol(%q, %v, %v) = %q, want %q", tc.explicit, tc.requested, tc.preferred, got, tc.want)
			}
		})
	}
}

func TestServerHeaderFormat(t *testing.T) {
	got := serverHeader("ocpp-rpc")
	want := "ocpp-rpc/" + Version + " ("
	if len(got) < len(want) || got[:len(want)] != want {
		t.Errorf("serverHeader(%q) = %q, want prefix %q", "ocpp-rpc", got, want)
	}
}
