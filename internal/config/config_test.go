package config

import "testing"

func baseRoute() RouteConfig {
	return RouteConfig{
		Destinations:    "db1:3306,db2:3306",
		BindAddress:     "0.0.0.0",
		RoutingStrategy: StrategyFirstAvailable,
		ClientSSLMode:   SSLDisabled,
		ServerSSLMode:   SSLDisabled,
		ServerSSLVerify: SSLDisabled,
	}
}

func TestValidateAcceptsPlainRoute(t *testing.T) {
	cfg := &Config{Routes: map[string]RouteConfig{"r1": baseRoute()}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsMissingBind(t *testing.T) {
	rt := baseRoute()
	rt.BindAddress = ""
	cfg := &Config{Routes: map[string]RouteConfig{"r1": rt}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for missing bind_address and socket")
	}
}

func TestValidateRejectsPassthroughWithoutAsClient(t *testing.T) {
	rt := baseRoute()
	rt.ClientSSLMode = SSLPassthrough
	rt.ServerSSLMode = SSLPreferred
	cfg := &Config{Routes: map[string]RouteConfig{"r1": rt}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for PASSTHROUGH without server_ssl_mode=AS_CLIENT")
	}
}

func TestValidateRequiresClientCertUnderRequired(t *testing.T) {
	rt := baseRoute()
	rt.ClientSSLMode = SSLRequired
	cfg := &Config{Routes: map[string]RouteConfig{"r1": rt}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error: client_ssl_cert/key required")
	}
}

func TestValidateAccessModeAutoRequiresMetadataCache(t *testing.T) {
	rt := baseRoute()
	rt.AccessMode = AccessAuto
	rt.ConnectionSharing = true
	cfg := &Config{Routes: map[string]RouteConfig{"r1": rt}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error: access_mode=auto requires metadata-cache destination")
	}
}

func TestValidateServerSSLVerifyRequiresCA(t *testing.T) {
	rt := baseRoute()
	rt.ServerSSLVerify = SSLRequired
	cfg := &Config{Routes: map[string]RouteConfig{"r1": rt}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error: server_ssl_verify requires server_ssl_ca")
	}
}

func TestEndpointsSplitsAndTrims(t *testing.T) {
	rt := baseRoute()
	rt.Destinations = "db1:3306, db2:3306 ,db3:3306"
	got := rt.Endpoints()
	want := []string{"db1:3306", "db2:3306", "db3:3306"}
	if len(got) != len(want) {
		t.Fatalf("Endpoints() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Endpoints()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestIsMetadataCache(t *testing.T) {
	rt := baseRoute()
	rt.Destinations = "metadata-cache://mycluster?role=PRIMARY"
	if !rt.IsMetadataCache() {
		t.Fatal("expected IsMetadataCache to be true")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("CONFIG_TEST_VAR", "hello")
	got := substituteEnvVars([]byte("value: ${CONFIG_TEST_VAR}"))
	if string(got) != "value: hello" {
		t.Fatalf("substituteEnvVars = %q", got)
	}
}

func TestSubstituteEnvVarsLeavesUnknownLiteral(t *testing.T) {
	got := substituteEnvVars([]byte("value: ${CONFIG_TEST_UNKNOWN_VAR}"))
	if string(got) != "value: ${CONFIG_TEST_UNKNOWN_VAR}" {
		t.Fatalf("substituteEnvVars = %q", got)
	}
}
