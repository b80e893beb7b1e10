package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldcheck/internal/config"
	"fieldcheck/internal/db"
	"fieldcheck/internal/domain"
	"fieldcheck/internal/engine"
	"fieldcheck/internal/migrate"
	"fieldcheck/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("site-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitSite(ctx, "site-1", "test site", "tester"); err != nil {
		t.Fatalf("init site: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// importChecklist loads a 2x2 template: Exterior (Walls needs a photo, Roof a
// note) and Interior (Wiring plain, Handover needs the site signature).
func importChecklist(t *testing.T, env testEnv) domain.Template {
	t.Helper()
	tpl, err := env.Engine.ImportTemplate(env.Ctx, engine.TemplateImportOptions{
		SiteID:  "site-1",
		Name:    "Safety walk",
		ActorID: "tester",
		Sections: []engine.SectionSpec{
			{Name: "Exterior", Items: []engine.ItemSpec{
				{Name: "Walls", RequiresPhoto: true},
				{Name: "Roof", RequiresNote: true},
			}},
			{Name: "Interior", Items: []engine.ItemSpec{
				{Name: "Wiring"},
				{Name: "Handover", RequiresSignature: true},
			}},
		},
	})
	if err != nil {
		t.Fatalf("import template: %v", err)
	}
	return tpl
}

func newInstance(t *testing.T, env testEnv, tpl domain.Template) domain.Instance {
	t.Helper()
	inst, err := env.Engine.CreateInstance(env.Ctx, engine.InstanceCreateOptions{
		SiteID:     "site-1",
		TemplateID: tpl.ID,
		Name:       "Walk 1",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst
}

func strp(s string) *string { return &s }

func TestImportTemplatePreservesOrder(t *testing.T) {
	env := newTestEnv(t)
	tpl := importChecklist(t, env)

	got, err := env.Engine.Repo.GetTemplate(env.Ctx, tpl.ID)
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if len(got.Sections) != 2 {
		t.Fatalf("sections = %d, want 2", len(got.Sections))
	}
	if got.Sections[0].Name != "Exterior" || got.Sections[1].Name != "Interior" {
		t.Fatalf("section order wrong: %s, %s", got.Sections[0].Name, got.Sections[1].Name)
	}
	if got.Sections[0].Items[0].Name != "Walls" || !got.Sections[0].Items[0].RequiresPhoto {
		t.Fatalf("item requirements lost: %+v", got.Sections[0].Items[0])
	}
	if !got.RequiresSignature() {
		t.Fatal("template should require a signature")
	}
}

func TestUpsertResponseCreatesOnFirstTouch(t *testing.T) {
	env := newTestEnv(t)
	tpl := importChecklist(t, env)
	inst := newInstance(t, env, tpl)
	itemID := tpl.Sections[1].Items[0].ID // Wiring

	resp, err := env.Engine.UpsertResponse(env.Ctx, inst.ID, itemID, engine.ResponsePatch{
		Notes: strp("checked panel"),
	}, "tester")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if resp.Status != domain.StatusPending {
		t.Fatalf("status = %q, want pending default", resp.Status)
	}
	if resp.Notes != "checked panel" {
		t.Fatalf("notes = %q", resp.Notes)
	}
	if resp.ImageURLs == nil || len(resp.ImageURLs) != 0 {
		t.Fatalf("image urls = %v, want empty slice", resp.ImageURLs)
	}
}

func TestUpsertResponseShallowMerge(t *testing.T) {
	env := newTestEnv(t)
	tpl := importChecklist(t, env)
	inst := newInstance(t, env, tpl)
	itemID := tpl.Sections[0].Items[1].ID // Roof

	if _, err := env.Engine.UpsertResponse(env.Ctx, inst.ID, itemID, engine.ResponsePatch{
		Status: strp(domain.StatusFail),
		Notes:  strp("gutter cracked"),
	}, "tester"); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	// A status-only patch must leave the notes alone.
	resp, err := env.Engine.UpsertResponse(env.Ctx, inst.ID, itemID, engine.ResponsePatch{
		Status: strp(domain.StatusPass),
	}, "tester")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if resp.Status != domain.StatusPass {
		t.Fatalf("status = %q", resp.Status)
	}
	if resp.Notes != "gutter cracked" {
		t.Fatalf("notes overwritten, got %q", resp.Notes)
	}

	stored, err := env.Engine.Repo.GetResponse(env.Ctx, inst.ID, itemID)
	if err != nil {
		t.Fatalf("get response: %v", err)
	}
	if stored.Notes != "gutter cracked" || stored.Status != domain.StatusPass {
		t.Fatalf("stored row diverged: %+v", stored)
	}
}

func TestUpsertResponseRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	tpl := importChecklist(t, env)
	inst := newInstance(t, env, tpl)
	itemID := tpl.Sections[0].Items[0].ID

	if _, err := env.Engine.UpsertResponse(env.Ctx, inst.ID, itemID, engine.ResponsePatch{
		Status: strp("done"),
	}, "tester"); err == nil {
		t.Fatal("want error for invalid status")
	}
	if _, err := env.Engine.UpsertResponse(env.Ctx, inst.ID, "no-such-item", engine.ResponsePatch{
		Status: strp(domain.StatusPass),
	}, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want ErrNotFound for unknown item, got %v", err)
	}
	// Nothing was stored on either failure.
	if _, err := env.Engine.Repo.GetResponse(env.Ctx, inst.ID, itemID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("row should not exist after failed upserts, got %v", err)
	}
}

func TestAttachPhotosAppends(t *testing.T) {
	env := newTestEnv(t)
	tpl := importChecklist(t, env)
	inst := newInstance(t, env, tpl)
	itemID := tpl.Sections[0].Items[0].ID // Walls

	resp, err := env.Engine.AttachPhotos(env.Ctx, inst.ID, itemID, []string{"/files/a.jpg"}, "tester")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if resp.Status != domain.StatusPending {
		t.Fatalf("attaching photos answered the item: %q", resp.Status)
	}
	resp, err = env.Engine.AttachPhotos(env.Ctx, inst.ID, itemID, []string{"/files/b.jpg", "/files/c.jpg"}, "tester")
	if err != nil {
		t.Fatalf("attach again: %v", err)
	}
	want := []string{"/files/a.jpg", "/files/b.jpg", "/files/c.jpg"}
	if len(resp.ImageURLs) != len(want) {
		t.Fatalf("urls = %v, want %v", resp.ImageURLs, want)
	}
	for i := range want {
		if resp.ImageURLs[i] != want[i] {
			t.Fatalf("urls = %v, want %v", resp.ImageURLs, want)
		}
	}
}

func TestAttachPhotosEmptyBatchIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	tpl := importChecklist(t, env)
	inst := newInstance(t, env, tpl)
	itemID := tpl.Sections[0].Items[0].ID

	resp, err := env.Engine.AttachPhotos(env.Ctx, inst.ID, itemID, nil, "tester")
	if err != nil {
		t.Fatalf("attach empty: %v", err)
	}
	if len(resp.ImageURLs) != 0 {
		t.Fatalf("urls = %v, want none", resp.ImageURLs)
	}
	if _, err := env.Engine.Repo.GetResponse(env.Ctx, inst.ID, itemID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("empty batch must not create a row, got %v", err)
	}
}

func TestSubmitBlockedByDeficiencies(t *testing.T) {
	env := newTestEnv(t)
	tpl := importChecklist(t, env)
	inst := newInstance(t, env, tpl)

	if _, err := env.Engine.CaptureSignature(env.Ctx, inst.ID, "/files/sig.png", "tester"); err != nil {
		t.Fatalf("capture signature: %v", err)
	}
	_, err := env.Engine.Submit(env.Ctx, inst.ID, "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if len(ve.Deficiencies) != 4 {
		t.Fatalf("deficiencies = %d, want 4 incomplete items", len(ve.Deficiencies))
	}
	got, err := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Status != domain.InstanceDraft {
		t.Fatalf("status = %q, blocked submit must not transition", got.Status)
	}
}

func TestSubmitSignatureShortCircuit(t *testing.T) {
	env := newTestEnv(t)
	tpl := importChecklist(t, env)
	inst := newInstance(t, env, tpl)

	_, err := env.Engine.Submit(env.Ctx, inst.ID, "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if len(ve.Deficiencies) != 1 || ve.Deficiencies[0].Kind != domain.DeficiencyMissingSignature {
		t.Fatalf("want single missing_signature deficiency, got %+v", ve.Deficiencies)
	}
	if ve.Error() != "signature required" {
		t.Fatalf("error = %q", ve.Error())
	}
}

func fillChecklist(t *testing.T, env testEnv, tpl domain.Template, inst domain.Instance) {
	t.Helper()
	walls := tpl.Sections[0].Items[0].ID
	roof := tpl.Sections[0].Items[1].ID
	wiring := tpl.Sections[1].Items[0].ID
	handover := tpl.Sections[1].Items[1].ID

	if _, err := env.Engine.AttachPhotos(env.Ctx, inst.ID, walls, []string{"/files/walls.jpg"}, "tester"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	for item, patch := range map[string]engine.ResponsePatch{
		walls:    {Status: strp(domain.StatusPass)},
		roof:     {Status: strp(domain.StatusFail), Notes: strp("gutter cracked")},
		wiring:   {Status: strp(domain.StatusNA)},
		handover: {Status: strp(domain.StatusPass)},
	} {
		if _, err := env.Engine.UpsertResponse(env.Ctx, inst.ID, item, patch, "tester"); err != nil {
			t.Fatalf("upsert %s: %v", item, err)
		}
	}
	if _, err := env.Engine.CaptureSignature(env.Ctx, inst.ID, "/files/sig.png", "tester"); err != nil {
		t.Fatalf("capture signature: %v", err)
	}
}

func TestSubmitFullChecklist(t *testing.T) {
	env := newTestEnv(t)
	tpl := importChecklist(t, env)
	inst := newInstance(t, env, tpl)
	fillChecklist(t, env, tpl, inst)

	progress, err := env.Engine.InstanceProgress(env.Ctx, inst.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.Completed != 4 || progress.Percentage != 100 {
		t.Fatalf("progress = %+v", progress)
	}
	defs, err := env.Engine.InstanceDeficiencies(env.Ctx, inst.ID)
	if err != nil {
		t.Fatalf("deficiencies: %v", err)
	}
	if len(defs) != 0 {
		t.Fatalf("deficiencies = %+v, want none", defs)
	}

	calls := 0
	env.Engine.CompleteInspection = func(ctx context.Context, instanceID string) error {
		calls++
		return nil
	}
	got, err := env.Engine.Submit(env.Ctx, inst.ID, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Status != domain.InstanceSubmitted {
		t.Fatalf("status = %q", got.Status)
	}
	if got.SubmittedAt == nil || *got.SubmittedAt == "" {
		t.Fatal("submitted_at not set")
	}
	if calls != 1 {
		t.Fatalf("completion called %d times, want 1", calls)
	}
}

func TestSubmitTwiceDoesNotRecomplete(t *testing.T) {
	env := newTestEnv(t)
	tpl := importChecklist(t, env)
	inst := newInstance(t, env, tpl)
	fillChecklist(t, env, tpl, inst)

	calls := 0
	env.Engine.CompleteInspection = func(ctx context.Context, instanceID string) error {
		calls++
		return nil
	}
	if _, err := env.Engine.Submit(env.Ctx, inst.ID, "tester"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	got, err := env.Engine.Submit(env.Ctx, inst.ID, "tester")
	if !errors.Is(err, engine.ErrInstanceSubmitted) {
		t.Fatalf("want ErrInstanceSubmitted, got %v", err)
	}
	if got.Status != domain.InstanceSubmitted {
		t.Fatalf("status = %q", got.Status)
	}
	if calls != 1 {
		t.Fatalf("completion called %d times, want exactly 1", calls)
	}
}

func TestSubmitFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	tpl := importChecklist(t, env)
	inst := newInstance(t, env, tpl)
	fillChecklist(t, env, tpl, inst)

	calls := 0
	env.Engine.CompleteInspection = func(ctx context.Context, instanceID string) error {
		calls++
		if calls == 1 {
			return errors.New("inspection service unavailable")
		}
		return nil
	}
	got, err := env.Engine.Submit(env.Ctx, inst.ID, "tester")
	var ce engine.CompletionError
	if !errors.As(err, &ce) {
		t.Fatalf("want CompletionError, got %v", err)
	}
	if got.Status != domain.InstanceSubmissionFailed {
		t.Fatalf("status = %q", got.Status)
	}

	got, err = env.Engine.Submit(env.Ctx, inst.ID, "tester")
	if err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	if got.Status != domain.InstanceSubmitted {
		t.Fatalf("status after retry = %q", got.Status)
	}
	if calls != 2 {
		t.Fatalf("completion called %d times, want 2", calls)
	}
}

func TestSubmittedInstanceIsImmutable(t *testing.T) {
	env := newTestEnv(t)
	tpl := importChecklist(t, env)
	inst := newInstance(t, env, tpl)
	fillChecklist(t, env, tpl, inst)

	if _, err := env.Engine.Submit(env.Ctx, inst.ID, "tester"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	itemID := tpl.Sections[1].Items[0].ID
	if _, err := env.Engine.UpsertResponse(env.Ctx, inst.ID, itemID, engine.ResponsePatch{
		Status: strp(domain.StatusFail),
	}, "tester"); !errors.Is(err, engine.ErrInstanceSubmitted) {
		t.Fatalf("upsert after submit: want ErrInstanceSubmitted, got %v", err)
	}
	if _, err := env.Engine.AttachPhotos(env.Ctx, inst.ID, itemID, []string{"/files/late.jpg"}, "tester"); !errors.Is(err, engine.ErrInstanceSubmitted) {
		t.Fatalf("attach after submit: want ErrInstanceSubmitted, got %v", err)
	}
	if _, err := env.Engine.CaptureSignature(env.Ctx, inst.ID, "/files/late.png", "tester"); !errors.Is(err, engine.ErrInstanceSubmitted) {
		t.Fatalf("sign after submit: want ErrInstanceSubmitted, got %v", err)
	}
}

func TestPlainChecklistWalkthrough(t *testing.T) {
	env := newTestEnv(t)
	tpl, err := env.Engine.ImportTemplate(env.Ctx, engine.TemplateImportOptions{
		SiteID:  "site-1",
		Name:    "Plain walk",
		ActorID: "tester",
		Sections: []engine.SectionSpec{
			{Name: "One", Items: []engine.ItemSpec{{Name: "A"}, {Name: "B"}}},
			{Name: "Two", Items: []engine.ItemSpec{{Name: "C"}, {Name: "D"}}},
		},
	})
	if err != nil {
		t.Fatalf("import template: %v", err)
	}
	inst := newInstance(t, env, tpl)

	answered := []string{
		tpl.Sections[0].Items[0].ID,
		tpl.Sections[0].Items[1].ID,
		tpl.Sections[1].Items[0].ID,
	}
	for _, itemID := range answered {
		if _, err := env.Engine.UpsertResponse(env.Ctx, inst.ID, itemID, engine.ResponsePatch{
			Status: strp(domain.StatusPass),
		}, "tester"); err != nil {
			t.Fatalf("upsert %s: %v", itemID, err)
		}
	}
	progress, err := env.Engine.InstanceProgress(env.Ctx, inst.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.Completed != 3 || progress.Total != 4 || progress.Percentage != 75 {
		t.Fatalf("progress = %+v, want 3/4 at 75%%", progress)
	}

	_, err = env.Engine.Submit(env.Ctx, inst.ID, "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if len(ve.Deficiencies) != 1 || ve.Deficiencies[0].Kind != domain.DeficiencyIncomplete {
		t.Fatalf("deficiencies = %+v, want single incomplete for D", ve.Deficiencies)
	}
	if ve.Deficiencies[0].ItemName != "D" {
		t.Fatalf("deficiency names %q, want D", ve.Deficiencies[0].ItemName)
	}

	if _, err := env.Engine.UpsertResponse(env.Ctx, inst.ID, tpl.Sections[1].Items[1].ID, engine.ResponsePatch{
		Status: strp(domain.StatusNA),
	}, "tester"); err != nil {
		t.Fatalf("answer D: %v", err)
	}
	got, err := env.Engine.Submit(env.Ctx, inst.ID, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Status != domain.InstanceSubmitted {
		t.Fatalf("status = %q", got.Status)
	}
	if _, err := env.Engine.Submit(env.Ctx, inst.ID, "tester"); !errors.Is(err, engine.ErrInstanceSubmitted) {
		t.Fatalf("second submit: want ErrInstanceSubmitted, got %v", err)
	}
}

func TestAssignInspector(t *testing.T) {
	env := newTestEnv(t)
	tpl := importChecklist(t, env)
	inst := newInstance(t, env, tpl)

	a, err := env.Engine.AssignInspector(env.Ctx, inst.ID, "inspector-1", "tester")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.ActorID != "inspector-1" {
		t.Fatalf("assignee = %q", a.ActorID)
	}
	a, err = env.Engine.AssignInspector(env.Ctx, inst.ID, "inspector-2", "tester")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if a.ActorID != "inspector-2" {
		t.Fatalf("assignee after reassign = %q", a.ActorID)
	}
}

func TestGrantRoleRequiresManagePermission(t *testing.T) {
	env := newTestEnv(t)

	// InitSite made "tester" the owner; owners can grant.
	if err := env.Engine.GrantRole(env.Ctx, "site-1", "tester", "inspector-1", "inspector"); err != nil {
		t.Fatalf("owner grant: %v", err)
	}
	who, err := env.Engine.WhoAmI(env.Ctx, "site-1", "inspector-1")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if len(who.Roles) != 1 || who.Roles[0] != "inspector" {
		t.Fatalf("roles = %v", who.Roles)
	}

	// Inspectors cannot manage roles.
	if err := env.Engine.GrantRole(env.Ctx, "site-1", "inspector-1", "someone", "inspector"); err == nil {
		t.Fatal("inspector grant should be forbidden")
	}
	if err := env.Engine.GrantRole(env.Ctx, "site-1", "tester", "someone", "astronaut"); err == nil {
		t.Fatal("unknown role should be rejected")
	}
}
