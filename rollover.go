package dane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// State of a rollover run, derived from observable facts rather than
// stored: marker existence and age versus the rollover period, plus a
// byte comparison between the live and active certificates.
type State int

const (
	StateUnchanged State = iota
	StateNeedsStage
	StateAwaitingRollover
	StateReadyToPromote
)

func (s State) String() string {
	switch s {
	case StateUnchanged:
		return "unchanged"
	case StateNeedsStage:
		return "needs_stage"
	case StateAwaitingRollover:
		return "awaiting_rollover"
	case StateReadyToPromote:
		return "ready_to_promote"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Classify is the pure decision function of the rollover state machine.
func Classify(certsEqual, force, forceDeploy, markerExists bool, markerAge, period time.Duration) State {
	if certsEqual && !force && !forceDeploy {
		return StateUnchanged
	}
	if !markerExists || forceDeploy {
		return StateNeedsStage
	}
	if markerAge < period {
		return StateAwaitingRollover
	}
	return StateReadyToPromote
}

// Controller orchestrates one rollover run: digest, generate, reconcile,
// marker/mirror state, and the post-activation hook. It is designed for
// repeated invocation by an external scheduler; every state is safe to
// re-enter.
type Controller struct {
	cfg        *Config
	digester   Digester
	reconciler *Reconciler
	store      *Store
	history    Writer // optional, may be nil
	logger     *slog.Logger

	// Force re-checks the rollover even when the certificate is unchanged;
	// ForceDeploy re-stages even when a marker already exists.
	Force       bool
	ForceDeploy bool

	runHook func(ctx context.Context, command string) ([]byte, error)
}

// NewController wires a controller from its collaborators. history may be
// nil to disable deployment-history recording.
func NewController(cfg *Config, digester Digester, provider Provider, history Writer, logger *slog.Logger) *Controller {
	if cfg == nil || digester == nil || provider == nil || logger == nil {
		panic("NewController: received nil config, digester, provider, or logger")
	}
	logger = logger.With("component", "rollover")
	return &Controller{
		cfg:        cfg,
		digester:   digester,
		reconciler: NewReconciler(provider, logger),
		store:      NewStore(cfg.ActiveCertDir, logger),
		history:    history,
		logger:     logger,
		runHook:    runShellHook,
	}
}

// Run executes one pass of the state machine and returns when the derived
// state has been acted on. Identical re-runs against converged state
// perform no writes.
func (c *Controller) Run(ctx context.Context) error {
	livePath := filepath.Join(c.cfg.LiveCertDir, "cert.pem")
	liveBytes, err := os.ReadFile(livePath)
	if err != nil {
		return fmt.Errorf("rollover: failed to read live certificate %s: %w", livePath, err)
	}

	// A read failure on the active side means first run or a missing
	// mirror; both force staging rather than erroring.
	activeBytes, activeErr := c.store.ReadActiveCert()
	certsEqual := activeErr == nil && bytes.Equal(liveBytes, activeBytes)

	// Terminal without further I/O: no digest run, no marker stat.
	if certsEqual && !c.Force && !c.ForceDeploy {
		c.logger.Info("Certificate unchanged, nothing to do")
		return nil
	}

	digest, err := c.digester.Digest(ctx, livePath)
	if err != nil {
		return err
	}
	markerExists, markerAge, err := c.store.MarkerInfo(digest)
	if err != nil {
		return err
	}

	state := Classify(certsEqual, c.Force, c.ForceDeploy, markerExists, markerAge, c.cfg.RolloverPeriod())
	c.logger.Info("Rollover state derived",
		"state", state.String(), "digest", digest,
		"marker_exists", markerExists, "marker_age", markerAge.String())

	switch state {
	case StateUnchanged:
		return nil
	case StateNeedsStage:
		return c.stage(ctx, liveBytes, digest)
	case StateAwaitingRollover:
		c.logger.Info("Grace period not yet elapsed, leaving records dual-published",
			"remaining", (c.cfg.RolloverPeriod() - markerAge).String())
		return nil
	case StateReadyToPromote:
		return c.promote(ctx, liveBytes, digest)
	}
	return nil
}

// stage publishes the new digest's TLSA records next to the existing ones
// and records the deployment marker. The marker is written only after the
// DNS change succeeded, so a failed run leaves no local state behind.
func (c *Controller) stage(ctx context.Context, liveBytes []byte, digest string) error {
	records, err := c.generateRecords(liveBytes, digest)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		c.logger.Warn("Certificate yields no TLSA records, skipping staging")
		return nil
	}

	if _, err := c.reconciler.Stage(ctx, records); err != nil {
		return err
	}
	if err := c.store.WriteMarker(digest); err != nil {
		return err
	}
	c.recordHistory(digest, ActionStaged, records)
	c.logger.Info("New certificate staged, dual-publication window open",
		"digest", digest, "records", len(records),
		"rollover_period", c.cfg.RolloverPeriod().String())
	return nil
}

// promote retires the previously active digest, swaps the mirror, and runs
// the activation hook. The mirror swap is the commit point: hook failure
// is surfaced but nothing is rolled back.
func (c *Controller) promote(ctx context.Context, liveBytes []byte, digest string) error {
	records, err := c.generateRecords(liveBytes, digest)
	if err != nil {
		return err
	}

	var prevDigest string
	if _, err := c.store.ReadActiveCert(); err == nil {
		prevDigest, err = c.digester.Digest(ctx, c.store.ActiveCertPath())
		if err != nil {
			c.logger.Warn("Could not hash previous active certificate, old records will not be retired", "error", err)
			prevDigest = ""
		}
	}
	if prevDigest == digest {
		// Already promoted; only the mirror swap below may still be pending.
		prevDigest = ""
	}

	if _, err := c.reconciler.Promote(ctx, records, prevDigest); err != nil {
		return err
	}

	if err := c.store.SwapMirror(c.cfg.LiveCertDir); err != nil {
		return err
	}
	c.recordHistory(digest, ActionPromoted, records)
	c.logger.Info("Certificate promoted to active", "digest", digest, "previous_digest", prevDigest)

	if c.cfg.ActivationHook == "" {
		return nil
	}
	c.logger.Info("Running activation hook", "command", c.cfg.ActivationHook)
	out, err := c.runHook(ctx, c.cfg.ActivationHook)
	if len(out) > 0 {
		c.logger.Info("Activation hook output", "output", strings.TrimSpace(string(out)))
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHook, err)
	}
	c.logger.Info("Activation hook completed")
	return nil
}

func (c *Controller) generateRecords(liveBytes []byte, digest string) ([]TLSARecord, error) {
	altNames, err := CertAltNames(liveBytes)
	if err != nil {
		return nil, err
	}
	protoPorts, err := ParseProtoPorts(c.cfg.ProtoPorts)
	if err != nil {
		return nil, err
	}
	return Generate(altNames, protoPorts, digest), nil
}

// recordHistory writes a best-effort audit row. History is observability,
// not rollover state, so failures are logged and do not abort the run.
func (c *Controller) recordHistory(digest, action string, records []TLSARecord) {
	if c.history == nil {
		return
	}
	seen := make(map[string]bool)
	var domains []string
	for _, rec := range records {
		if !seen[rec.Domain] {
			seen[rec.Domain] = true
			domains = append(domains, rec.Domain)
		}
	}
	domainsJSON, err := json.Marshal(domains)
	if err != nil {
		c.logger.Warn("Failed to encode history domains", "error", err)
		return
	}
	dep := Deployment{
		Digest:    digest,
		Action:    action,
		Domains:   string(domainsJSON),
		Records:   len(records),
		CreatedAt: time.Now(),
	}
	if err := c.history.AddDeployment(dep); err != nil {
		c.logger.Warn("Failed to record deployment history", "action", action, "error", err)
	}
}

func runShellHook(ctx context.Context, command string) ([]byte, error) {
	return exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
}
