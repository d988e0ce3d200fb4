package dane

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	const period = 24 * time.Hour
	cases := []struct {
		name         string
		certsEqual   bool
		force        bool
		forceDeploy  bool
		markerExists bool
		markerAge    time.Duration
		want         State
	}{
		{"unchanged", true, false, false, false, 0, StateUnchanged},
		{"unchanged with stale marker", true, false, false, true, 48 * time.Hour, StateUnchanged},
		{"changed no marker", false, false, false, false, 0, StateNeedsStage},
		{"force without marker", true, true, false, false, 0, StateNeedsStage},
		{"force deploy restages", false, false, true, true, time.Hour, StateNeedsStage},
		{"marker too young", false, false, false, true, time.Hour, StateAwaitingRollover},
		{"force respects grace window", true, true, false, true, time.Hour, StateAwaitingRollover},
		{"marker old enough", false, false, false, true, period, StateReadyToPromote},
		{"force promotes after window", true, true, false, true, 2 * period, StateReadyToPromote},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.certsEqual, tc.force, tc.forceDeploy, tc.markerExists, tc.markerAge, period)
			assert.Equal(t, tc.want, got)
		})
	}
}

// hashDigester hashes the file bytes directly instead of shelling out.
type hashDigester struct {
	calls int
}

func (d *hashDigester) Digest(_ context.Context, certPath string) (string, error) {
	d.calls++
	data, err := os.ReadFile(certPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDigest, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

type rolloverFixture struct {
	cfg       *Config
	provider  *fakeProvider
	digester  *hashDigester
	ctrl      *Controller
	liveDir   string
	archive   string
	hookCalls int
}

func newRolloverFixture(t *testing.T) *rolloverFixture {
	t.Helper()
	tmp := t.TempDir()
	f := &rolloverFixture{
		liveDir:  filepath.Join(tmp, "live"),
		archive:  filepath.Join(tmp, "archive"),
		provider: newFakeProvider(),
		digester: &hashDigester{},
	}
	require.NoError(t, os.MkdirAll(f.liveDir, 0o755))
	require.NoError(t, os.MkdirAll(f.archive, 0o755))

	f.cfg = &Config{
		LiveCertDir:           f.liveDir,
		ActiveCertDir:         filepath.Join(tmp, "active"),
		ProtoPorts:            "tcp:443",
		RolloverPeriodSeconds: 3600,
		ActivationHook:        "systemctl reload postfix",
	}
	f.ctrl = NewController(f.cfg, f.digester, f.provider, nil, discardLogger())
	f.ctrl.runHook = func(context.Context, string) ([]byte, error) {
		f.hookCalls++
		return []byte("reloaded"), nil
	}
	return f
}

// installBundle writes a versioned certificate bundle into the archive and
// repoints the live symlinks at it, letsencrypt style, returning the
// certificate digest the fixture's digester will compute.
func (f *rolloverFixture) installBundle(t *testing.T, version int, certPEM []byte) string {
	t.Helper()
	for _, name := range MirrorLinks {
		target := filepath.Join(f.archive, fmt.Sprintf("%s.%d", name, version))
		content := []byte(fmt.Sprintf("%s v%d", name, version))
		if name == "cert.pem" {
			content = certPEM
		}
		require.NoError(t, os.WriteFile(target, content, 0o644))
		link := filepath.Join(f.liveDir, name)
		if err := os.Remove(link); err != nil {
			require.True(t, os.IsNotExist(err))
		}
		require.NoError(t, os.Symlink(target, link))
	}
	sum := sha256.Sum256(certPEM)
	return hex.EncodeToString(sum[:])
}

func (f *rolloverFixture) backdateMarker(t *testing.T, digest string) {
	t.Helper()
	past := time.Now().Add(-2 * time.Hour)
	marker := filepath.Join(f.cfg.ActiveCertDir, digest+".json")
	require.NoError(t, os.Chtimes(marker, past, past))
}

func TestRolloverEndToEnd(t *testing.T) {
	f := newRolloverFixture(t)
	ctx := context.Background()
	cert1 := makeCertPEM(t, "example.com", []string{"example.com"}, 1)
	d1 := f.installBundle(t, 1, cert1)
	recordName := "_443._tcp.example.com"

	// First run: no marker, mirror missing. Stage and write the marker.
	require.NoError(t, f.ctrl.Run(ctx))
	assert.Equal(t, []string{"1 0 1 " + d1}, f.provider.data(recordName))
	assert.FileExists(t, filepath.Join(f.cfg.ActiveCertDir, d1+".json"))
	assert.NoFileExists(t, filepath.Join(f.cfg.ActiveCertDir, "cert.pem"))
	assert.Equal(t, 0, f.hookCalls)
	require.Equal(t, 1, f.provider.applyCalls)

	// Immediate re-run: grace period not elapsed, nothing mutated.
	require.NoError(t, f.ctrl.Run(ctx))
	assert.Equal(t, 1, f.provider.applyCalls)
	assert.Equal(t, 0, f.hookCalls)

	// After the rollover period: promote, swap the mirror, run the hook.
	f.backdateMarker(t, d1)
	require.NoError(t, f.ctrl.Run(ctx))
	assert.Equal(t, []string{"1 0 1 " + d1}, f.provider.data(recordName))
	assert.Equal(t, 1, f.hookCalls)

	for _, name := range MirrorLinks {
		target, err := os.Readlink(filepath.Join(f.cfg.ActiveCertDir, name))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(f.archive, name+".1"), target)
	}
	// Promote was value-wise a no-op, so no extra provider write happened.
	assert.Equal(t, 1, f.provider.applyCalls)

	// Converged: byte-identical certs, zero provider or digest calls.
	gets, digests := f.provider.getCalls, f.digester.calls
	require.NoError(t, f.ctrl.Run(ctx))
	assert.Equal(t, gets, f.provider.getCalls)
	assert.Equal(t, digests, f.digester.calls)
	assert.Equal(t, 1, f.hookCalls)
}

func TestRolloverRotatesCertificate(t *testing.T) {
	f := newRolloverFixture(t)
	ctx := context.Background()
	recordName := "_443._tcp.example.com"

	d1 := f.installBundle(t, 1, makeCertPEM(t, "example.com", []string{"example.com"}, 1))
	require.NoError(t, f.ctrl.Run(ctx))
	f.backdateMarker(t, d1)
	require.NoError(t, f.ctrl.Run(ctx))
	require.Equal(t, 1, f.hookCalls)

	// The ACME client delivered a new certificate.
	d2 := f.installBundle(t, 2, makeCertPEM(t, "example.com", []string{"example.com"}, 2))

	// Staging dual-publishes old and new digests.
	require.NoError(t, f.ctrl.Run(ctx))
	assert.Equal(t, []string{"1 0 1 " + d1, "1 0 1 " + d2}, f.provider.data(recordName))

	// Mirror still points at the previous bundle during the grace window.
	target, err := os.Readlink(filepath.Join(f.cfg.ActiveCertDir, "cert.pem"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.archive, "cert.pem.1"), target)

	// Promotion retires the old digest and advances the mirror.
	f.backdateMarker(t, d2)
	require.NoError(t, f.ctrl.Run(ctx))
	assert.Equal(t, []string{"1 0 1 " + d2}, f.provider.data(recordName))
	target, err = os.Readlink(filepath.Join(f.cfg.ActiveCertDir, "cert.pem"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.archive, "cert.pem.2"), target)
	assert.Equal(t, 2, f.hookCalls)
}

func TestRolloverStageFailureLeavesNoMarker(t *testing.T) {
	f := newRolloverFixture(t)
	d1 := f.installBundle(t, 1, makeCertPEM(t, "example.com", []string{"example.com"}, 1))
	f.provider.applyErr = errors.New("quota")

	err := f.ctrl.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDNSChange))
	assert.NoFileExists(t, filepath.Join(f.cfg.ActiveCertDir, d1+".json"))
}

func TestRolloverHookFailureIsSurfacedWithoutRollback(t *testing.T) {
	f := newRolloverFixture(t)
	ctx := context.Background()
	d1 := f.installBundle(t, 1, makeCertPEM(t, "example.com", []string{"example.com"}, 1))
	f.ctrl.runHook = func(context.Context, string) ([]byte, error) {
		return []byte("unit not found"), errors.New("exit status 1")
	}

	require.NoError(t, f.ctrl.Run(ctx))
	f.backdateMarker(t, d1)

	err := f.ctrl.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHook))

	// The mirror swap is the commit point; the failed hook rolls nothing back.
	target, rerr := os.Readlink(filepath.Join(f.cfg.ActiveCertDir, "cert.pem"))
	require.NoError(t, rerr)
	assert.Equal(t, filepath.Join(f.archive, "cert.pem.1"), target)
}

func TestRolloverForceDeployRestages(t *testing.T) {
	f := newRolloverFixture(t)
	ctx := context.Background()
	f.installBundle(t, 1, makeCertPEM(t, "example.com", []string{"example.com"}, 1))

	require.NoError(t, f.ctrl.Run(ctx))
	require.Equal(t, 1, f.provider.applyCalls)

	// Marker exists and records are converged: a forced re-deploy re-checks
	// DNS but has nothing to write.
	f.ctrl.ForceDeploy = true
	require.NoError(t, f.ctrl.Run(ctx))
	assert.Equal(t, 1, f.provider.applyCalls)
	assert.Greater(t, f.provider.getCalls, 1)
}
