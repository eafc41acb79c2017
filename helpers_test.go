package hypermangle

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testCA = sync.OnceValues(func() (*SelfSignedIssuer, error) {
	return NewSelfSignedIssuer("hypermangle test CA")
})

func testIssuer(t testing.TB) *SelfSignedIssuer {
	t.Helper()
	iss, err := testCA()
	if err != nil {
		t.Fatalf("create test CA: %v", err)
	}
	return iss
}

// testRecord returns a record for host valid from notBefore to notAfter.
func testRecord(t testing.TB, host string, notBefore, notAfter time.Time) *CertificateRecord {
	t.Helper()
	chain, key, err := testIssuer(t).sign(host, notBefore, notAfter)
	if err != nil {
		t.Fatalf("sign %s: %v", host, err)
	}
	rec, err := NewCertificateRecord(host, chain, key, ChallengeState{Issuer: "test"})
	if err != nil {
		t.Fatalf("record %s: %v", host, err)
	}
	return rec
}

func freshRecord(t testing.TB, host string) *CertificateRecord {
	t.Helper()
	now := time.Now()
	return testRecord(t, host, now.Add(-time.Hour), now.Add(90*24*time.Hour))
}

func writeFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func mustSnapshot(t testing.TB, doc string) *ConfigSnapshot {
	t.Helper()
	s, err := ParseSnapshot([]byte(doc))
	if err != nil {
		t.Fatalf("parse snapshot: %v", err)
	}
	return s
}

// stubIssuer signs with the test CA after running the challenge callbacks.
// Issue blocks on gate, when set, and fails while failures > 0.
type stubIssuer struct {
	calls    atomic.Int32
	failures atomic.Int32
	gate     chan struct{}
	started  chan string
	validity time.Duration
}

func (s *stubIssuer) Name() string { return "stub" }

func (s *stubIssuer) Issue(ctx context.Context, hostname string, solver ChallengeSolver) (*IssuedCertificate, error) {
	n := s.calls.Add(1)
	token := "token-" + hostname + "-" + time.Now().Format("150405.000000000")
	if err := solver.Present(hostname, token, token+".key"); err != nil {
		return nil, err
	}
	defer func() { _ = solver.CleanUp(hostname, token) }()

	if s.started != nil {
		s.started <- hostname
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	solver.Validating(hostname, token)

	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return nil, errStubFailure{attempt: int(n)}
	}

	validity := s.validity
	if validity == 0 {
		validity = 90 * 24 * time.Hour
	}
	iss, err := testCA()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	chain, key, err := iss.sign(hostname, now.Add(-time.Minute), now.Add(validity))
	if err != nil {
		return nil, err
	}
	return &IssuedCertificate{Chain: chain, Key: key, CertURL: "https://ca.test/cert/1"}, nil
}

type errStubFailure struct{ attempt int }

func (e errStubFailure) Error() string { return "stub: validation failed" }

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
