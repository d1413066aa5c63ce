package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/google/uuid"
)

const testSHA = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

type fixture struct {
	mgr     *Manager
	store   *Memory
	storage string
	scratch string
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		store:   NewMemory(),
		storage: filepath.Join(root, "storage"),
		scratch: filepath.Join(root, "scratch"),
		now:     time.Now().UTC(),
	}
	mgr, err := New(f.store, Config{
		StorageDir:        f.storage,
		ScratchRoot:       f.scratch,
		ScratchStaleAfter: 6 * time.Hour,
		OrphanGrace:       time.Hour,
		Now:               func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.mgr = mgr
	return f
}

func (f *fixture) commit(t *testing.T, age time.Duration) string {
	t.Helper()
	name := NewStoredName(testSHA)
	p := filepath.Join(f.storage, name)
	if err := os.WriteFile(p, []byte("container bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	touch(t, p, f.now.Add(-age))
	return name
}

func (f *fixture) register(t *testing.T, expiresAt *time.Time) Artifact {
	t.Helper()
	a, err := f.mgr.Register(context.Background(), Artifact{
		StoredName:   f.commit(t, 0),
		OriginalName: "c1m1_hotel.vpk",
		SHA256:       testSHA,
		Tier:         TierGuest,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return a
}

func touch(t *testing.T, p string, at time.Time) {
	t.Helper()
	if err := os.Chtimes(p, at, at); err != nil {
		t.Fatal(err)
	}
}

func ptr(t time.Time) *time.Time { return &t }

func TestBaseName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "c1m1_hotel.vpk", want: "c1m1_hotel"},
		{in: "Campaign.VPK", want: "Campaign"},
		{in: `C:\addons\mine.vpk`, want: "mine"},
		{in: "../../etc/passwd.vpk", want: "passwd"},
		{in: "archive.tar.vpk", wantErr: true},
		{in: "noext", wantErr: true},
		{in: "map.bsp", wantErr: true},
		{in: ".vpk", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := BaseName(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidName) {
					t.Fatalf("BaseName(%q) error = %v, want ErrInvalidName", tt.in, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("BaseName(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestNewStoredNameNeverCollides(t *testing.T) {
	g := NewWithT(t)
	shape := regexp.MustCompile(`^[0-9a-f]{64}_[0-9a-f]{8}_server\.vpk$`)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		name := NewStoredName(testSHA)
		g.Expect(name).To(MatchRegexp(shape.String()))
		g.Expect(seen).ToNot(HaveKey(name))
		g.Expect(IsStoredName(name)).To(BeTrue())
		seen[name] = true
	}
}

func TestRegisterRequiresCommittedFile(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Register(ctx, Artifact{StoredName: NewStoredName(testSHA)})
	g.Expect(err).To(HaveOccurred())

	empty := NewStoredName(testSHA)
	g.Expect(os.WriteFile(filepath.Join(f.storage, empty), nil, 0o644)).To(Succeed())
	_, err = f.mgr.Register(ctx, Artifact{StoredName: empty})
	g.Expect(err).To(HaveOccurred())

	list, err := f.store.List(ctx, ListOptions{})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(list).To(BeEmpty())
}

func TestRegisterRejectedHasNoFile(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)

	a, err := f.mgr.Register(context.Background(), Artifact{
		StoredName: NewStoredName(testSHA),
		Status:     StatusRejected,
	})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(a.ID).ToNot(Equal(uuid.Nil))

	_, err = f.mgr.Resolve(context.Background(), a.ID)
	g.Expect(err).To(MatchError(ErrNotFound))
}

func TestSweepExpiresPastArtifact(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	ctx := context.Background()

	a := f.register(t, ptr(f.now.Add(-time.Minute)))
	live := f.register(t, ptr(f.now.Add(time.Hour)))
	forever := f.register(t, nil)

	res := f.mgr.Sweep(ctx)
	g.Expect(res.Expired).To(Equal([]uuid.UUID{a.ID}))
	g.Expect(res.Issues).To(BeEmpty())

	got, err := f.store.Get(ctx, a.ID)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(got.Status).To(Equal(StatusDeleted))
	g.Expect(filepath.Join(f.storage, a.StoredName)).ToNot(BeAnExistingFile())

	for _, keep := range []Artifact{live, forever} {
		got, err := f.store.Get(ctx, keep.ID)
		g.Expect(err).ToNot(HaveOccurred())
		g.Expect(got.Status).To(Equal(StatusActive))
		g.Expect(filepath.Join(f.storage, keep.StoredName)).To(BeAnExistingFile())
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, ptr(f.now.Add(-time.Hour)))
	f.register(t, nil)
	f.commit(t, 3*time.Hour)
	stale := filepath.Join(f.scratch, "repack-foo-123")
	g.Expect(os.MkdirAll(filepath.Join(stale, "extracted"), 0o755)).To(Succeed())
	touch(t, stale, f.now.Add(-7*time.Hour))

	first := f.mgr.Sweep(ctx)
	g.Expect(first.Changed()).To(BeTrue())

	second := f.mgr.Sweep(ctx)
	g.Expect(second.Changed()).To(BeFalse())
	g.Expect(second.Issues).To(BeEmpty())
}

func TestSweepOrphans(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)

	young := f.commit(t, 10*time.Minute)
	old := f.commit(t, 2*time.Hour)
	tmp := filepath.Join(f.storage, ".x_server.vpk.tmp-123")
	g.Expect(os.WriteFile(tmp, []byte("partial"), 0o644)).To(Succeed())
	touch(t, tmp, f.now.Add(-2*time.Hour))
	tracked := f.register(t, nil)
	touch(t, filepath.Join(f.storage, tracked.StoredName), f.now.Add(-48*time.Hour))

	res := f.mgr.Sweep(context.Background())
	g.Expect(res.OrphansRemoved).To(ConsistOf(old, filepath.Base(tmp)))
	g.Expect(filepath.Join(f.storage, young)).To(BeAnExistingFile())
	g.Expect(filepath.Join(f.storage, tracked.StoredName)).To(BeAnExistingFile())
	g.Expect(filepath.Join(f.storage, sweepLockName)).To(BeAnExistingFile())
}

func TestSweepReclaimsFilesOfDeletedArtifacts(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	ctx := context.Background()

	a := f.register(t, nil)
	g.Expect(f.store.Update(ctx, a.ID, Patch{Status: statusPtr(StatusDeleted)})).To(Succeed())
	touch(t, filepath.Join(f.storage, a.StoredName), f.now.Add(-2*time.Hour))

	res := f.mgr.Sweep(ctx)
	g.Expect(res.OrphansRemoved).To(ConsistOf(a.StoredName))
}

func TestSweepScratch(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)

	stale := filepath.Join(f.scratch, "repack-old-1")
	fresh := filepath.Join(f.scratch, "repack-new-2")
	spool := filepath.Join(f.scratch, "upload-3")
	other := filepath.Join(f.scratch, "keep-me")
	for _, dir := range []string{stale, fresh, other} {
		g.Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
	}
	g.Expect(os.WriteFile(spool, []byte("partial upload"), 0o644)).To(Succeed())
	touch(t, stale, f.now.Add(-7*time.Hour))
	touch(t, spool, f.now.Add(-7*time.Hour))
	touch(t, other, f.now.Add(-70*time.Hour))

	res := f.mgr.Sweep(context.Background())
	g.Expect(res.ScratchRemoved).To(ConsistOf("repack-old-1", "upload-3"))
	g.Expect(stale).ToNot(BeADirectory())
	g.Expect(spool).ToNot(BeAnExistingFile())
	g.Expect(fresh).To(BeADirectory())
	g.Expect(other).To(BeADirectory())
}

func TestSweepConvergesVanishedFile(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	ctx := context.Background()

	a := f.register(t, nil)
	g.Expect(os.Remove(filepath.Join(f.storage, a.StoredName))).To(Succeed())

	res := f.mgr.Sweep(ctx)
	g.Expect(res.Missing).To(Equal([]uuid.UUID{a.ID}))
	got, err := f.store.Get(ctx, a.ID)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(got.Status).To(Equal(StatusDeleted))
}

type failingStore struct {
	*Memory
}

func (failingStore) List(context.Context, ListOptions) ([]Artifact, error) {
	return nil, errors.New("connection refused")
}

func TestSweepSurvivesStoreFailure(t *testing.T) {
	g := NewWithT(t)
	root := t.TempDir()
	now := time.Now()
	mgr, err := New(failingStore{NewMemory()}, Config{
		StorageDir:  filepath.Join(root, "storage"),
		ScratchRoot: filepath.Join(root, "scratch"),
		Now:         func() time.Time { return now },
	})
	g.Expect(err).ToNot(HaveOccurred())

	orphan := filepath.Join(root, "storage", NewStoredName(testSHA))
	g.Expect(os.WriteFile(orphan, []byte("x"), 0o644)).To(Succeed())
	touch(t, orphan, now.Add(-48*time.Hour))

	res := mgr.Sweep(context.Background())
	g.Expect(res.Issues).To(HaveLen(2))
	g.Expect(strings.Join(res.Issues, "\n")).To(ContainSubstring("connection refused"))
	// Without a tracked set nothing in storage may be treated as an orphan.
	g.Expect(orphan).To(BeAnExistingFile())
}

func TestDelete(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	ctx := context.Background()

	a := f.register(t, nil)
	g.Expect(f.mgr.Delete(ctx, a.ID)).To(Succeed())
	g.Expect(filepath.Join(f.storage, a.StoredName)).ToNot(BeAnExistingFile())

	got, err := f.store.Get(ctx, a.ID)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(got.Status).To(Equal(StatusDeleted))

	g.Expect(f.mgr.Delete(ctx, a.ID)).To(Succeed())
	g.Expect(f.mgr.Delete(ctx, uuid.New())).To(MatchError(ErrNotFound))
}

func TestSetExpiry(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	ctx := context.Background()

	a := f.register(t, ptr(f.now.Add(time.Hour)))

	updated, err := f.mgr.SetExpiry(ctx, a.ID, nil)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(updated.ExpiresAt).To(BeNil())

	later := f.now.Add(72 * time.Hour)
	updated, err = f.mgr.SetExpiry(ctx, a.ID, &later)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(updated.ExpiresAt).ToNot(BeNil())
	g.Expect(updated.ExpiresAt.Equal(later)).To(BeTrue())

	g.Expect(f.mgr.Delete(ctx, a.ID)).To(Succeed())
	_, err = f.mgr.SetExpiry(ctx, a.ID, nil)
	g.Expect(err).To(MatchError(ErrNotActive))

	got, err := f.store.Get(ctx, a.ID)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(got.Status).To(Equal(StatusDeleted))
}

func TestResolve(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	ctx := context.Background()

	live := f.register(t, nil)
	d, err := f.mgr.Resolve(ctx, live.ID)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(d.Path).To(Equal(filepath.Join(f.storage, live.StoredName)))
	g.Expect(d.OriginalName).To(Equal("c1m1_hotel.vpk"))

	expired := f.register(t, ptr(f.now.Add(-time.Second)))
	_, err = f.mgr.Resolve(ctx, expired.ID)
	g.Expect(err).To(MatchError(ErrGone))

	vanished := f.register(t, nil)
	g.Expect(os.Remove(filepath.Join(f.storage, vanished.StoredName))).To(Succeed())
	_, err = f.mgr.Resolve(ctx, vanished.ID)
	g.Expect(err).To(MatchError(ErrNotFound))

	_, err = f.mgr.Resolve(ctx, uuid.New())
	g.Expect(err).To(MatchError(ErrNotFound))
}

func TestMemoryList(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, name := range []string{"alpha.vpk", "beta.vpk", "gamma.vpk"} {
		_, err := m.Create(ctx, Artifact{
			OriginalName: name,
			StoredName:   name + "_server.vpk",
			Status:       StatusActive,
			CreatedAt:    base.Add(time.Duration(i) * time.Hour),
			ExpiresAt:    ptr(base.Add(time.Duration(i+1) * time.Hour)),
		})
		g.Expect(err).ToNot(HaveOccurred())
	}

	all, err := m.List(ctx, ListOptions{})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(all).To(HaveLen(3))
	g.Expect(all[0].OriginalName).To(Equal("gamma.vpk"))

	limited, err := m.List(ctx, ListOptions{Limit: 1, Query: "ALP"})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(limited).To(HaveLen(1))
	g.Expect(limited[0].OriginalName).To(Equal("alpha.vpk"))

	due, err := m.List(ctx, ListOptions{ExpiresBefore: base.Add(2 * time.Hour)})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(due).To(HaveLen(2))

	err = m.Update(ctx, all[0].ID, Patch{IfStatus: StatusDeleted, Status: statusPtr(StatusActive)})
	g.Expect(err).To(MatchError(ErrConflict))
}
