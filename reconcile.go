package dane

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"golang.org/x/sync/errgroup"
)

// RecordTypeTLSA is the resource record type this tool manages.
const RecordTypeTLSA = "TLSA"

// RecordSet is a provider-agnostic DNS resource record set: all values
// published under one (name, type) pair.
type RecordSet struct {
	Name    string
	Type    string
	TTL     int64
	Rrdatas []string
}

// Change is one atomic batch of record-set deletions and additions. DNS
// providers replace a record set by deleting the old one and adding the new
// one within the same change.
type Change struct {
	Additions []RecordSet
	Deletions []RecordSet
}

// Empty reports whether applying the change would be a no-op.
func (c *Change) Empty() bool {
	return len(c.Additions) == 0 && len(c.Deletions) == 0
}

// Provider is the narrow DNS provider contract the reconciler consumes.
// GetRecordSet returns nil (not an error) when no record set exists.
type Provider interface {
	GetRecordSet(ctx context.Context, name, rtype string) (*RecordSet, error)
	ApplyChange(ctx context.Context, change *Change) error
}

// Reconciler diffs generated TLSA records against live DNS state and
// submits the minimal batched change. Both modes are idempotent: a second
// run against converged DNS state performs zero provider writes.
type Reconciler struct {
	provider Provider
	logger   *slog.Logger
}

func NewReconciler(provider Provider, logger *slog.Logger) *Reconciler {
	if provider == nil || logger == nil {
		panic("NewReconciler: received nil provider or logger")
	}
	return &Reconciler{
		provider: provider,
		logger:   logger.With("component", "reconciler"),
	}
}

// fetch retrieves the existing record set for every distinct record name.
// Fetches run concurrently; no write is planned until all of them have
// resolved, so a single failure aborts the run before any mutation.
func (r *Reconciler) fetch(ctx context.Context, records []TLSARecord) (map[string]*RecordSet, error) {
	names := make([]string, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if !seen[rec.Name] {
			seen[rec.Name] = true
			names = append(names, rec.Name)
		}
	}

	existing := make([]*RecordSet, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			rs, err := r.provider.GetRecordSet(gctx, name, RecordTypeTLSA)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrDNSFetch, name, err)
			}
			existing[i] = rs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byName := make(map[string]*RecordSet, len(names))
	for i, name := range names {
		byName[name] = existing[i]
	}
	return byName, nil
}

// Stage publishes the new digest alongside whatever is already published.
// Existing values are never dropped, which keeps old and new certificates
// dual-published throughout the grace window.
func (r *Reconciler) Stage(ctx context.Context, records []TLSARecord) (*Change, error) {
	existing, err := r.fetch(ctx, records)
	if err != nil {
		return nil, err
	}
	change := planStage(records, existing)
	return change, r.apply(ctx, "stage", change)
}

// Promote retires the previous active digest and ensures the new one is
// published. prevDigest may be empty when the previous certificate could
// not be read or hashed; then nothing is removed.
func (r *Reconciler) Promote(ctx context.Context, records []TLSARecord, prevDigest string) (*Change, error) {
	existing, err := r.fetch(ctx, records)
	if err != nil {
		return nil, err
	}
	change := planPromote(records, existing, prevDigest)
	return change, r.apply(ctx, "promote", change)
}

func (r *Reconciler) apply(ctx context.Context, mode string, change *Change) error {
	if change.Empty() {
		r.logger.Info("DNS records already converged, skipping provider call", "mode", mode)
		return nil
	}
	r.logger.Info("Submitting DNS change",
		"mode", mode, "additions", len(change.Additions), "deletions", len(change.Deletions))
	if err := r.provider.ApplyChange(ctx, change); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDNSChange, mode, err)
	}
	return nil
}

func planStage(records []TLSARecord, existing map[string]*RecordSet) *Change {
	change := &Change{}
	for _, rec := range records {
		want := rec.RData()
		cur := existing[rec.Name]
		if cur == nil {
			change.Additions = append(change.Additions, RecordSet{
				Name: rec.Name, Type: RecordTypeTLSA, TTL: RecordTTL, Rrdatas: []string{want},
			})
			continue
		}
		if slices.Contains(cur.Rrdatas, want) {
			continue
		}
		merged := append(slices.Clone(cur.Rrdatas), want)
		change.Deletions = append(change.Deletions, *cur)
		change.Additions = append(change.Additions, RecordSet{
			Name: rec.Name, Type: RecordTypeTLSA, TTL: RecordTTL, Rrdatas: merged,
		})
	}
	return change
}

func planPromote(records []TLSARecord, existing map[string]*RecordSet, prevDigest string) *Change {
	var prevData string
	if prevDigest != "" {
		prevData = TLSARecord{Digest: prevDigest}.RData()
	}

	change := &Change{}
	for _, rec := range records {
		want := rec.RData()
		cur := existing[rec.Name]
		if cur == nil {
			change.Additions = append(change.Additions, RecordSet{
				Name: rec.Name, Type: RecordTypeTLSA, TTL: RecordTTL, Rrdatas: []string{want},
			})
			continue
		}
		desired := make([]string, 0, len(cur.Rrdatas)+1)
		for _, data := range cur.Rrdatas {
			if prevData != "" && data == prevData {
				continue
			}
			desired = append(desired, data)
		}
		if !slices.Contains(desired, want) {
			desired = append(desired, want)
		}
		if sameValues(cur.Rrdatas, desired) {
			continue
		}
		change.Deletions = append(change.Deletions, *cur)
		change.Additions = append(change.Additions, RecordSet{
			Name: rec.Name, Type: RecordTypeTLSA, TTL: RecordTTL, Rrdatas: desired,
		})
	}
	return change
}

// sameValues compares record values as sets.
func sameValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	sort.Strings(as)
	sort.Strings(bs)
	return slices.Equal(as, bs)
}
