package hypermangle

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSolver struct {
	calls      []string
	presentErr error
}

func (r *recordingSolver) Present(host, token, _ string) error {
	r.calls = append(r.calls, "present:"+host)
	return r.presentErr
}

func (r *recordingSolver) Validating(host, _ string) {
	r.calls = append(r.calls, "validating:"+host)
}

func (r *recordingSolver) CleanUp(host, _ string) error {
	r.calls = append(r.calls, "cleanup:"+host)
	return nil
}

func TestSelfSignedIssuerIssue(t *testing.T) {
	iss := testIssuer(t)
	solver := &recordingSolver{}

	got, err := iss.Issue(context.Background(), "example.test", solver)
	require.NoError(t, err)
	assert.Equal(t, []string{"present:example.test", "validating:example.test", "cleanup:example.test"}, solver.calls)

	pair, err := tls.X509KeyPair(got.Chain, got.Key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"example.test"}, leaf.DNSNames)
	assert.WithinDuration(t, time.Now().Add(iss.Validity), leaf.NotAfter, time.Minute)

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(iss.CACertPEM()))
	_, err = leaf.Verify(x509.VerifyOptions{DNSName: "example.test", Roots: pool})
	assert.NoError(t, err)
}

func TestSelfSignedIssuerPresentFailure(t *testing.T) {
	iss := testIssuer(t)
	solver := &recordingSolver{presentErr: ErrChallengeConflict}

	_, err := iss.Issue(context.Background(), "example.test", solver)
	assert.True(t, errors.Is(err, ErrChallengeConflict))
	assert.Equal(t, []string{"present:example.test"}, solver.calls)
}

func TestSelfSignedIssuerCanceled(t *testing.T) {
	iss := testIssuer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	solver := &recordingSolver{}
	_, err := iss.Issue(ctx, "example.test", solver)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, solver.calls, "cleanup:example.test")
}

func TestSelfSignedIssuerName(t *testing.T) {
	assert.Equal(t, "self-signed", testIssuer(t).Name())
}
