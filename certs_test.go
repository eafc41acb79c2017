package hypermangle

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGenerateCA(t *testing.T) {
	certPEM, keyPEM, err := GenerateCA("Test Org", 1)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatal("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	if !cert.IsCA {
		t.Error("certificate should be a CA")
	}
	if cert.Subject.Organization[0] != "Test Org" {
		t.Errorf("organization = %q, want %q", cert.Subject.Organization[0], "Test Org")
	}
	if _, err := parsePrivateKeyPEM(keyPEM); err != nil {
		t.Errorf("parse key: %v", err)
	}
}

func TestNewCertificateRecord(t *testing.T) {
	rec := freshRecord(t, "example.test")

	if rec.Hostname != "example.test" {
		t.Errorf("Hostname = %q", rec.Hostname)
	}
	if rec.Certificate == nil || rec.Certificate.Leaf == nil {
		t.Fatal("record should carry a parsed leaf")
	}
	if rec.Lifetime() <= 0 {
		t.Error("lifetime should be positive")
	}
}

func TestNewCertificateRecordWrongHost(t *testing.T) {
	now := time.Now()
	chain, key, err := testIssuer(t).sign("a.test", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewCertificateRecord("b.test", chain, key, ChallengeState{}); err == nil {
		t.Error("expected error for a leaf that does not cover the hostname")
	}
}

func TestCertificateRecordRenewal(t *testing.T) {
	start := time.Now().Truncate(time.Second)
	rec := testRecord(t, "example.test", start, start.Add(90*time.Hour))

	renewAt := rec.RenewAt(1.0 / 3.0)
	if want := start.Add(60 * time.Hour); !renewAt.Equal(want) {
		t.Errorf("RenewAt = %v, want %v", renewAt, want)
	}
	if rec.NeedsRenewal(start.Add(59*time.Hour), 1.0/3.0) {
		t.Error("should not need renewal before the window")
	}
	if !rec.NeedsRenewal(start.Add(61*time.Hour), 1.0/3.0) {
		t.Error("should need renewal inside the window")
	}
	if rec.Expired(start.Add(89*time.Hour)) || !rec.Expired(start.Add(90*time.Hour)) {
		t.Error("expiry boundary is wrong")
	}
}

func TestCertificateStoreMissing(t *testing.T) {
	s := NewCertificateStore()
	s.Logger = discardLogger()

	if _, err := s.GetActive("example.test"); !errors.Is(err, ErrCertificateMissing) {
		t.Errorf("GetActive error = %v, want ErrCertificateMissing", err)
	}

	_, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.test"})
	if !errors.Is(err, ErrCertificateMissing) {
		t.Errorf("GetCertificate error = %v, want ErrCertificateMissing", err)
	}

	_, err = s.GetCertificate(&tls.ClientHelloInfo{})
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("GetCertificate without SNI error = %v, want ProtocolError", err)
	}
}

func TestCertificateStoreInstallAndServe(t *testing.T) {
	s := NewCertificateStore()
	s.Logger = discardLogger()

	var events []CertEvent
	var mu sync.Mutex
	s.OnEvent = func(ev CertEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	rec := freshRecord(t, "example.test")
	if err := s.Install(rec); err != nil {
		t.Fatalf("Install: %v", err)
	}

	got, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: "EXAMPLE.test."})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if got != rec.Certificate {
		t.Error("GetCertificate should return the installed certificate")
	}
	if s.Version() != 1 {
		t.Errorf("Version = %d, want 1", s.Version())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].Type != EventIssued {
		t.Errorf("events = %+v, want one issued event", events)
	}
}

func TestCertificateStoreRenewalRetainsPrevious(t *testing.T) {
	s := NewCertificateStore()
	s.Logger = discardLogger()
	s.Overlap = 50 * time.Millisecond

	evicted := make(chan CertEvent, 1)
	s.OnEvent = func(ev CertEvent) {
		if ev.Type == EventEvicted {
			evicted <- ev
		}
	}

	first := freshRecord(t, "example.test")
	second := freshRecord(t, "example.test")
	if err := s.Install(first); err != nil {
		t.Fatal(err)
	}
	if err := s.Install(second); err != nil {
		t.Fatal(err)
	}

	active, err := s.GetActive("example.test")
	if err != nil || active != second {
		t.Fatalf("active = %p, %v; want second record", active, err)
	}
	if s.Previous("example.test") != first {
		t.Error("previous record should be retained during overlap")
	}

	select {
	case <-evicted:
	case <-time.After(2 * time.Second):
		t.Fatal("previous record was not evicted")
	}
	if s.Previous("example.test") != nil {
		t.Error("previous record should be gone after eviction")
	}
}

func TestCertificateStoreRejectsExpired(t *testing.T) {
	s := NewCertificateStore()
	s.Logger = discardLogger()

	now := time.Now()
	rec := testRecord(t, "example.test", now.Add(-2*time.Hour), now.Add(-time.Hour))
	if err := s.Install(rec); !errors.Is(err, ErrCertificateExpired) {
		t.Errorf("Install error = %v, want ErrCertificateExpired", err)
	}
	if len(s.Hostnames()) != 0 {
		t.Error("expired record must not be installed")
	}
}

func TestCertificateStoreHardExpiryRefusesHandshake(t *testing.T) {
	s := NewCertificateStore()
	s.Logger = discardLogger()

	now := time.Now()
	rec := testRecord(t, "example.test", now.Add(-time.Hour), now.Add(time.Hour))
	if err := s.Install(rec); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return now.Add(2 * time.Hour) }

	if _, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.test"}); !errors.Is(err, ErrCertificateExpired) {
		t.Errorf("GetCertificate error = %v, want ErrCertificateExpired", err)
	}
	if got := s.Sweep(); len(got) != 1 || got[0] != "example.test" {
		t.Errorf("Sweep = %v", got)
	}
	if got := s.Sweep(); len(got) != 0 {
		t.Errorf("second Sweep = %v, want nothing new", got)
	}
}

func TestCertificateStoreServesInsideRenewalWindow(t *testing.T) {
	s := NewCertificateStore()
	s.Logger = discardLogger()

	now := time.Now()
	rec := testRecord(t, "example.test", now.Add(-80*time.Hour), now.Add(10*time.Hour))
	if err := s.Install(rec); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.test"}); err != nil {
		t.Errorf("stale certificate should still be served: %v", err)
	}
}

func TestCertificateStoreConcurrentHandshakes(t *testing.T) {
	s := NewCertificateStore()
	s.Logger = discardLogger()
	s.Overlap = time.Hour
	defer s.Close()

	if err := s.Install(freshRecord(t, "example.test")); err != nil {
		t.Fatal(err)
	}
	renewals := make([]*CertificateRecord, 5)
	for i := range renewals {
		renewals[i] = freshRecord(t, "example.test")
	}

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				if _, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.test"}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	for _, rec := range renewals {
		if err := s.Install(rec); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("handshake failed during renewal: %v", err)
	}
	if s.Version() != 6 {
		t.Errorf("Version = %d, want 6", s.Version())
	}
}

func TestCertificateStoreClose(t *testing.T) {
	s := NewCertificateStore()
	s.Logger = discardLogger()
	s.Close()

	if err := s.Install(freshRecord(t, "example.test")); err == nil {
		t.Error("Install after Close should fail")
	}
}
