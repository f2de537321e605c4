package audit

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	log, err := OpenLog(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func TestEventConstructorsSetSeverity(t *testing.T) {
	cases := []struct {
		name string
		e    Event
		want Severity
	}{
		{"auth success", AuthenticationSuccess("10.0.0.1"), SeverityInfo},
		{"auth failure", AuthenticationFailure("bad password", "10.0.0.1"), SeverityMedium},
		{"rate limit", RateLimitExceeded("gossip", 100, 50, 60, "peer-1"), SeverityLow},
		{"signature failure", SignatureVerificationFailed("ed25519", "mismatch"), SeverityCritical},
		{"unusual pattern", UnusualPatternDetected(UnusualPattern{PatternType: "burst"}), SeverityHigh},
	}
	for _, c := range cases {
		if c.e.Severity != c.want {
			t.Errorf("%s: severity = %v, want %v", c.name, c.e.Severity, c.want)
		}
	}
}

func TestLogRecordAndQuery(t *testing.T) {
	log := openTestLog(t)

	e1 := AuthenticationSuccess("10.0.0.1")
	e2 := AuthenticationFailure("bad password", "10.0.0.2")
	e3 := SignatureVerificationFailed("ed25519", "mismatch")

	for _, e := range []Event{e1, e2, e3} {
		if err := log.Record(e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := log.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
}

func TestLogQueryFiltersBySeverity(t *testing.T) {
	log := openTestLog(t)
	log.Record(AuthenticationSuccess("a"))
	log.Record(SignatureVerificationFailed("ed25519", "bad sig"))

	min := SeverityCritical
	results, err := log.Query(Filter{MinSeverity: &min})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 critical event, got %d", len(results))
	}
	if results[0].Kind != KindSignatureVerification {
		t.Fatalf("expected signature verification event, got %v", results[0].Kind)
	}
}

func TestLogQueryFiltersByKind(t *testing.T) {
	log := openTestLog(t)
	log.Record(AuthenticationSuccess("a"))
	log.Record(RateLimitExceeded("gossip", 10, 5, 60, "peer"))

	kind := KindRateLimit
	results, err := log.Query(Filter{Kind: &kind})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].Kind != KindRateLimit {
		t.Fatalf("expected 1 rate-limit event, got %+v", results)
	}
}

func TestOpenLogCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "audit.db")
	os.MkdirAll(filepath.Dir(path), 0o755)

	log, err := OpenLog(path)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer log.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected db file to exist: %v", err)
	}
}
