package telemetry

import (
	"context"
	"testing"
)

func TestDispatchAttributes(t *testing.T) {
	attrs := DispatchAttributes("testing", "campus", "delivered")
	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes, got %d", len(attrs))
	}
	if attrs[2].Key != AttrOutcome || attrs[2].Value.AsString() != "delivered" {
		t.Fatalf("unexpected outcome attribute %v", attrs[2])
	}
}

func TestStoreAttributesOmitsEmptyResult(t *testing.T) {
	if got := len(StoreAttributes("testing", BackendSQLite, "append", "")); got != 3 {
		t.Fatalf("expected 3 attributes without result, got %d", got)
	}
	if got := len(StoreAttributes("testing", BackendPostgres, "append", ResultError)); got != 4 {
		t.Fatalf("expected 4 attributes with result, got %d", got)
	}
}

func TestTopicRoot(t *testing.T) {
	cases := map[string]string{
		"campus.circles.user.add": "campus",
		"single":                  "single",
		"":                        "",
	}
	for topic, want := range cases {
		if got := TopicRoot(topic); got != want {
			t.Fatalf("TopicRoot(%q) = %q, want %q", topic, got, want)
		}
	}
}

func TestConfigFromLookupDefaults(t *testing.T) {
	cfg := ConfigFromLookup(func(string) (string, bool) { return "", false })
	if cfg.Enabled {
		t.Fatalf("expected telemetry disabled by default")
	}
	if cfg.OTLPEndpoint != "localhost:4318" {
		t.Fatalf("unexpected endpoint %q", cfg.OTLPEndpoint)
	}
	if cfg.ServiceName != serviceName || cfg.Environment != "development" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestConfigFromLookupOverrides(t *testing.T) {
	env := map[string]string{
		"OTEL_ENABLED":                "true",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "https://collector:4318",
		"OTEL_EXPORTER_OTLP_INSECURE": "true",
		"ENV":                         "staging",
	}
	cfg := ConfigFromLookup(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	if !cfg.Enabled || !cfg.OTLPInsecure {
		t.Fatalf("expected overrides applied: %+v", cfg)
	}
	if cfg.Environment != "staging" {
		t.Fatalf("expected staging environment, got %q", cfg.Environment)
	}
	if got := stripScheme(cfg.OTLPEndpoint); got != "collector:4318" {
		t.Fatalf("stripScheme = %q", got)
	}
}

func TestDisabledProviderSetsEnvironment(t *testing.T) {
	t.Cleanup(func() { SetEnvironment("") })
	p, err := NewProvider(context.Background(), Config{Environment: "Testing"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if Environment() != "testing" {
		t.Fatalf("expected lower-cased environment, got %q", Environment())
	}
	if p.Meter("yapper-test") == nil {
		t.Fatalf("expected fallback meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestEnvironmentDefault(t *testing.T) {
	SetEnvironment("")
	if Environment() != "development" {
		t.Fatalf("expected development default, got %q", Environment())
	}
}
