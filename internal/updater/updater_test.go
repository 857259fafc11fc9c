package updater

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloud-agent-project/agentup/internal/apply"
	"github.com/cloud-agent-project/agentup/internal/hook"
	"github.com/cloud-agent-project/agentup/internal/release"
	"github.com/cloud-agent-project/agentup/internal/storage"
)

type fakeSource struct {
	releases  []release.Release
	listErr   error
	getErr    error
	failFirst int // number of leading ListReleases calls that fail transiently

	listCalls int
	getCalls  int
	gotTag    string
}

func (f *fakeSource) ListReleases(ctx context.Context) ([]release.Release, error) {
	f.listCalls++
	if f.listCalls <= f.failFirst {
		return nil, errors.New("connection reset")
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.releases, nil
}

func (f *fakeSource) GetRelease(ctx context.Context, tag string) (release.Release, error) {
	f.getCalls++
	f.gotTag = tag
	if f.getErr != nil {
		return release.Release{}, f.getErr
	}
	return f.releases[0], nil
}

type fakeApplier struct {
	err   error
	calls int
	opts  apply.Options
}

func (f *fakeApplier) Apply(ctx context.Context, opts apply.Options) error {
	f.calls++
	f.opts = opts
	return f.err
}

type fakeHooks struct {
	commands []string
	err      error
}

func (f *fakeHooks) Run(ctx context.Context, command string) (hook.Result, error) {
	f.commands = append(f.commands, command)
	return hook.Result{Command: command}, f.err
}

type fakeStore struct {
	records []*storage.UpdateRecord
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) RecordAttempt(rec *storage.UpdateRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) LastAttempt(name string) (*storage.UpdateRecord, error) {
	if len(f.records) == 0 {
		return nil, storage.ErrNotFound
	}
	return f.records[len(f.records)-1], nil
}

func (f *fakeStore) ListAttempts(name string, limit int) ([]*storage.UpdateRecord, error) {
	return f.records, nil
}

func testPlan(t *testing.T, opts ...func(*Builder)) *Plan {
	t.Helper()
	b := Configure().
		Name("agent").
		BinName("agent").
		CurrentVersion("1.0.0").
		BinInstallPath(t.TempDir())
	for _, opt := range opts {
		opt(b)
	}
	plan, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	return plan
}

func oneRelease(ver string) []release.Release {
	return []release.Release{{
		Name:    "agent",
		Version: ver,
		Assets: []release.Asset{{
			Name:        "agent",
			DownloadURL: "http://updates.example.com/api/binaryfile/download?id=7",
			Hash:        "cafe",
		}},
	}}
}

func TestNewValidation(t *testing.T) {
	plan := testPlan(t)
	src := &fakeSource{}
	app := &fakeApplier{}

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{name: "missing plan", cfg: Config{Source: src, Applier: app}, wantErr: ErrPlanRequired},
		{name: "missing source", cfg: Config{Plan: plan, Applier: app}, wantErr: ErrSourceRequired},
		{name: "missing applier", cfg: Config{Plan: plan, Source: src}, wantErr: ErrApplierRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunSkipsWhenUpToDate(t *testing.T) {
	src := &fakeSource{releases: oneRelease("1.0.0")}
	app := &fakeApplier{}
	hooks := &fakeHooks{}
	store := &fakeStore{}

	u, err := New(Config{
		Plan: testPlan(t, func(b *Builder) {
			b.BeforeCommand("systemctl stop agent").AfterCommand("systemctl start agent")
		}),
		Source:  src,
		Applier: app,
		Hooks:   hooks,
		Store:   store,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	status, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if status.Updated {
		t.Error("Updated = true, want skip for equal versions")
	}
	if status.Version != "1.0.0" {
		t.Errorf("Version = %q, want %q", status.Version, "1.0.0")
	}
	if app.calls != 0 {
		t.Errorf("Apply called %d times, want 0", app.calls)
	}
	if len(hooks.commands) != 0 {
		t.Errorf("hooks ran %v, want none on skip", hooks.commands)
	}
	if len(store.records) != 1 || store.records[0].Outcome != storage.OutcomeSkipped {
		t.Errorf("recorded %+v, want one skipped record", store.records)
	}
}

func TestRunIgnoreVersionCompare(t *testing.T) {
	src := &fakeSource{releases: oneRelease("1.0.0")}
	app := &fakeApplier{}

	u, err := New(Config{
		Plan: testPlan(t, func(b *Builder) {
			b.IgnoreVersionCompare(true)
		}),
		Source:  src,
		Applier: app,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	status, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !status.Updated {
		t.Error("Updated = false, want apply despite equal versions")
	}
	if app.calls != 1 {
		t.Errorf("Apply called %d times, want 1", app.calls)
	}
}

func TestRunAppliesNewerRelease(t *testing.T) {
	src := &fakeSource{releases: oneRelease("2.0.0")}
	app := &fakeApplier{}
	store := &fakeStore{}

	plan := testPlan(t, func(b *Builder) {
		b.AuthToken("secret").ShowDownloadProgress(true)
	})
	u, err := New(Config{Plan: plan, Source: src, Applier: app, Store: store})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	status, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !status.Updated || status.Version != "2.0.0" {
		t.Errorf("status = %+v, want updated to 2.0.0", status)
	}

	if app.opts.URL != "http://updates.example.com/api/binaryfile/download?id=7" {
		t.Errorf("Apply URL = %q", app.opts.URL)
	}
	if app.opts.ExpectedHash != "cafe" {
		t.Errorf("Apply ExpectedHash = %q, want %q", app.opts.ExpectedHash, "cafe")
	}
	if app.opts.AuthToken != "secret" {
		t.Errorf("Apply AuthToken = %q, want %q", app.opts.AuthToken, "secret")
	}
	if app.opts.BinName != plan.BinName {
		t.Errorf("Apply BinName = %q, want %q", app.opts.BinName, plan.BinName)
	}
	if !app.opts.ShowProgress {
		t.Error("Apply ShowProgress = false, want true")
	}

	if len(store.records) != 1 {
		t.Fatalf("recorded %d attempts, want 1", len(store.records))
	}
	rec := store.records[0]
	if rec.Outcome != storage.OutcomeUpdated || rec.FromVersion != "1.0.0" || rec.ToVersion != "2.0.0" {
		t.Errorf("recorded %+v, want updated 1.0.0 -> 2.0.0", rec)
	}
}

func TestRunApplyFailureStillRunsAfterHook(t *testing.T) {
	applyErr := errors.New("binary replace failed")
	src := &fakeSource{releases: oneRelease("2.0.0")}
	app := &fakeApplier{err: applyErr}
	hooks := &fakeHooks{}
	store := &fakeStore{}

	u, err := New(Config{
		Plan: testPlan(t, func(b *Builder) {
			b.BeforeCommand("systemctl stop agent").AfterCommand("systemctl start agent")
		}),
		Source:  src,
		Applier: app,
		Hooks:   hooks,
		Store:   store,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	status, err := u.Run(context.Background())
	if !errors.Is(err, applyErr) {
		t.Errorf("Run() error = %v, want wrapped apply error", err)
	}
	if status.Updated {
		t.Error("Updated = true after failed apply")
	}

	want := []string{"systemctl stop agent", "systemctl start agent"}
	if len(hooks.commands) != len(want) {
		t.Fatalf("hooks ran %v, want %v", hooks.commands, want)
	}
	for i := range want {
		if hooks.commands[i] != want[i] {
			t.Errorf("hook[%d] = %q, want %q", i, hooks.commands[i], want[i])
		}
	}

	if len(store.records) != 1 || store.records[0].Outcome != storage.OutcomeFailed {
		t.Errorf("recorded %+v, want one failed record", store.records)
	}
}

func TestRunHookFailureIsNonFatal(t *testing.T) {
	src := &fakeSource{releases: oneRelease("2.0.0")}
	app := &fakeApplier{}
	hooks := &fakeHooks{err: &hook.Error{Command: "systemctl stop agent", ExitCode: 1}}

	u, err := New(Config{
		Plan: testPlan(t, func(b *Builder) {
			b.BeforeCommand("systemctl stop agent").AfterCommand("systemctl start agent")
		}),
		Source:  src,
		Applier: app,
		Hooks:   hooks,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	status, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, want hook failures swallowed", err)
	}
	if !status.Updated {
		t.Error("Updated = false, want update despite failing hooks")
	}
	if app.calls != 1 {
		t.Errorf("Apply called %d times, want 1", app.calls)
	}
}

func TestRunNotFoundIsNotRetried(t *testing.T) {
	src := &fakeSource{listErr: release.ErrNotFound}
	app := &fakeApplier{}

	u, err := New(Config{
		Plan: testPlan(t, func(b *Builder) {
			b.RetryCount(3)
		}),
		Source:  src,
		Applier: app,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	_, err = u.Run(context.Background())
	if !errors.Is(err, release.ErrNotFound) {
		t.Errorf("Run() error = %v, want ErrNotFound", err)
	}
	if src.listCalls != 1 {
		t.Errorf("ListReleases called %d times, want 1 for a definitive answer", src.listCalls)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	oldDelay := retryDelay
	retryDelay = time.Millisecond
	t.Cleanup(func() { retryDelay = oldDelay })

	src := &fakeSource{releases: oneRelease("2.0.0"), failFirst: 2}
	app := &fakeApplier{}

	u, err := New(Config{
		Plan: testPlan(t, func(b *Builder) {
			b.RetryCount(2)
		}),
		Source:  src,
		Applier: app,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	status, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !status.Updated {
		t.Error("Updated = false, want success after retries")
	}
	if src.listCalls != 3 {
		t.Errorf("ListReleases called %d times, want 3", src.listCalls)
	}
}

func TestRunRetriesExhausted(t *testing.T) {
	oldDelay := retryDelay
	retryDelay = time.Millisecond
	t.Cleanup(func() { retryDelay = oldDelay })

	src := &fakeSource{failFirst: 10}
	app := &fakeApplier{}

	u, err := New(Config{
		Plan: testPlan(t, func(b *Builder) {
			b.RetryCount(1)
		}),
		Source:  src,
		Applier: app,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, err := u.Run(context.Background()); err == nil {
		t.Fatal("Run() error = nil, want transient failure after retries exhausted")
	}
	if src.listCalls != 2 {
		t.Errorf("ListReleases called %d times, want 2", src.listCalls)
	}
}

func TestRunConfirmDeclined(t *testing.T) {
	src := &fakeSource{releases: oneRelease("2.0.0")}
	app := &fakeApplier{}
	store := &fakeStore{}

	u, err := New(Config{
		Plan:    testPlan(t),
		Source:  src,
		Applier: app,
		Store:   store,
		Confirm: func(toVersion string) (bool, error) { return false, nil },
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	status, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if status.Updated {
		t.Error("Updated = true, want declined update skipped")
	}
	if app.calls != 0 {
		t.Errorf("Apply called %d times, want 0", app.calls)
	}
	if len(store.records) != 1 || store.records[0].Outcome != storage.OutcomeSkipped {
		t.Errorf("recorded %+v, want one skipped record", store.records)
	}
}

func TestRunNoConfirmSkipsPrompt(t *testing.T) {
	src := &fakeSource{releases: oneRelease("2.0.0")}
	app := &fakeApplier{}
	prompted := false

	u, err := New(Config{
		Plan: testPlan(t, func(b *Builder) {
			b.NoConfirm(true)
		}),
		Source:  src,
		Applier: app,
		Confirm: func(toVersion string) (bool, error) {
			prompted = true
			return false, nil
		},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	status, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if prompted {
		t.Error("confirm func was called despite no_confirm")
	}
	if !status.Updated {
		t.Error("Updated = false, want update without prompting")
	}
}

func TestRunPinnedVersionUsesGetRelease(t *testing.T) {
	src := &fakeSource{releases: oneRelease("1.5.0")}
	app := &fakeApplier{}

	u, err := New(Config{
		Plan: testPlan(t, func(b *Builder) {
			b.TargetVersionTag("1.5.0")
		}),
		Source:  src,
		Applier: app,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	status, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if src.getCalls != 1 || src.gotTag != "1.5.0" {
		t.Errorf("GetRelease calls = %d tag = %q, want 1 call with tag 1.5.0", src.getCalls, src.gotTag)
	}
	if src.listCalls != 0 {
		t.Errorf("ListReleases called %d times, want 0 for a pinned version", src.listCalls)
	}
	if !status.Updated {
		t.Error("Updated = false, want pinned release applied")
	}
}

func TestRunNoAssetForTarget(t *testing.T) {
	src := &fakeSource{releases: []release.Release{{
		Name:    "agent",
		Version: "2.0.0",
		Assets:  []release.Asset{{Name: "agent-darwin-arm64.gz", DownloadURL: "http://h/a"}},
	}}}
	app := &fakeApplier{}

	u, err := New(Config{
		Plan: testPlan(t, func(b *Builder) {
			b.TargetVersionTag("2.0.0").Target("linux-amd64").IdentifyTargetPlatform(true)
		}),
		Source:  src,
		Applier: app,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	_, err = u.Run(context.Background())
	if !errors.Is(err, release.ErrNoAssets) {
		t.Errorf("Run() error = %v, want ErrNoAssets", err)
	}
	if app.calls != 0 {
		t.Errorf("Apply called %d times, want 0", app.calls)
	}
}
