package vault

import "testing"

func TestEndpointPath(t *testing.T) {
	tests := []struct {
		ep      Endpoint
		params  map[string]string
		want    string
		wantErr bool
	}{
		{EndpointActivity, nil, "sys/internal/counters/activity", false},
		{EndpointOIDCAuthURL, map[string]string{"mount": "oidc"}, "auth/oidc/oidc/auth_url", false},
		{EndpointOIDCCallback, map[string]string{"mount": "/corp/sso/"}, "auth/corp/sso/oidc/callback", false},
		{EndpointOIDCAuthURL, nil, "", true},
		{Endpoint(99), nil, "", true},
	}
	for _, tt := range tests {
		got, err := tt.ep.Path(tt.params)
		if (err != nil) != tt.wantErr {
			t.Errorf("%v.Path() err = %v, wantErr %v", tt.ep, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("%v.Path() = %q, want %q", tt.ep, got, tt.want)
		}
	}
}

func TestNewSession(t *testing.T) {
	s, err := NewSession("https://vault.example:8200/", " s.abc ", "root")
	if err != nil {
		t.Fatal(err)
	}
	if s.Addr() != "https://vault.example:8200" || s.Token() != "s.abc" || s.Namespace() != "" {
		t.Errorf("session = %q %q %q", s.Addr(), s.Token(), s.Namespace())
	}

	if scoped, _ := NewSession("https://vault.example:8200", "s.abc", "team-a/"); scoped.Namespace() != "team-a" {
		t.Errorf("namespace = %q, want team-a", scoped.Namespace())
	}

	for _, bad := range []string{"", "vault.example", "ftp://vault.example"} {
		if _, err := NewSession(bad, "", ""); err == nil {
			t.Errorf("NewSession(%q) succeeded, want error", bad)
		}
	}
}
