package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"fieldcheck/internal/config"
	"fieldcheck/internal/db"
	"fieldcheck/internal/domain"
	"fieldcheck/internal/engine"
	"fieldcheck/internal/migrate"
	"fieldcheck/internal/upload"
)

const testSecret = "server-test-secret"

func newTestServer(t *testing.T) (*httptest.Server, engine.Engine) {
	t.Helper()
	workspace := t.TempDir()
	filesDir, err := db.FilesDir(workspace)
	if err != nil {
		t.Fatalf("files dir: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("site-1"))
	handler, err := New(Config{
		Engine: eng,
		Auth:   AuthConfig{JWTSecret: testSecret, Log: zerolog.Nop()},
		Files:  upload.DiskStore{Dir: filesDir, BaseURL: "/files", MaxBytes: 1 << 20},
		Log:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, eng
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, token string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				t.Fatalf("decode %s %s (%d): %v\n%s", method, path, resp.StatusCode, err, data)
			}
		}
	}
	return resp.StatusCode
}

func loginAs(t *testing.T, srv *httptest.Server, actorID string) string {
	t.Helper()
	var out DevLoginResponse
	status := doJSON(t, srv, http.MethodPost, "/v0/auth/dev/login", "", DevLoginRequest{ActorID: actorID}, &out)
	if status != http.StatusOK {
		t.Fatalf("dev login status = %d", status)
	}
	if out.Token == "" {
		t.Fatal("empty token")
	}
	return out.Token
}

func setupSiteAndTemplate(t *testing.T, srv *httptest.Server, token string) TemplateResponse {
	t.Helper()
	var site SiteResponse
	status := doJSON(t, srv, http.MethodPost, "/v0/sites", token, CreateSiteRequest{ID: "site-1"}, &site)
	if status != http.StatusCreated {
		t.Fatalf("create site status = %d", status)
	}
	var tpl TemplateResponse
	status = doJSON(t, srv, http.MethodPost, "/v0/sites/site-1/templates", token, ImportTemplateRequest{
		Name: "Safety walk",
		Sections: []ImportSectionRequest{
			{Name: "Exterior", Items: []ImportItemRequest{
				{Name: "Walls", MustImage: true},
				{Name: "Roof", MustNote: true},
			}},
			{Name: "Interior", Items: []ImportItemRequest{
				{Name: "Wiring"},
				{Name: "Handover", MustSignature: true},
			}},
		},
	}, &tpl)
	if status != http.StatusCreated {
		t.Fatalf("import template status = %d", status)
	}
	if len(tpl.Sections) != 2 || len(tpl.Sections[0].Items) != 2 {
		t.Fatalf("template shape wrong: %+v", tpl)
	}
	return tpl
}

func TestHealthIsOpen(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestRequestsRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	status := doJSON(t, srv, http.MethodGet, "/v0/sites", "", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	status := doJSON(t, srv, http.MethodGet, "/v0/sites", "not-a-jwt", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
}

func TestChecklistLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	token := loginAs(t, srv, "tester")
	tpl := setupSiteAndTemplate(t, srv, token)

	var inst InstanceResponse
	status := doJSON(t, srv, http.MethodPost, "/v0/sites/site-1/instances", token, CreateInstanceRequest{
		TemplateID: tpl.ID,
	}, &inst)
	if status != http.StatusCreated {
		t.Fatalf("create instance status = %d", status)
	}
	if inst.Status != domain.InstanceDraft {
		t.Fatalf("new instance status = %q", inst.Status)
	}
	base := fmt.Sprintf("/v0/sites/site-1/instances/%s", inst.ID)

	// Submit right away: blocked by the required signature first.
	var errResp struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Deficiencies []DeficiencyDTO `json:"deficiencies"`
			} `json:"details"`
		} `json:"error"`
	}
	status = doJSON(t, srv, http.MethodPost, base+"/submit", token, nil, &errResp)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("premature submit status = %d", status)
	}
	if errResp.Error.Code != "validation_failed" {
		t.Fatalf("code = %q", errResp.Error.Code)
	}
	if len(errResp.Error.Details.Deficiencies) != 1 || errResp.Error.Details.Deficiencies[0].Kind != domain.DeficiencyMissingSignature {
		t.Fatalf("deficiencies = %+v, want single missing_signature", errResp.Error.Details.Deficiencies)
	}

	// Answer every item.
	pass := domain.StatusPass
	fail := domain.StatusFail
	na := domain.StatusNA
	notes := "gutter cracked"
	for itemID, body := range map[string]UpsertResponseRequest{
		tpl.Sections[0].Items[0].ID: {Status: &pass},
		tpl.Sections[0].Items[1].ID: {Status: &fail, Notes: &notes},
		tpl.Sections[1].Items[0].ID: {Status: &na},
		tpl.Sections[1].Items[1].ID: {Status: &pass},
	} {
		var r ResponseDTO
		status = doJSON(t, srv, http.MethodPatch, base+"/items/"+itemID, token, body, &r)
		if status != http.StatusOK {
			t.Fatalf("patch item %s status = %d", itemID, status)
		}
	}

	// Walls still needs a photo, Handover the signature.
	var defs DeficienciesResponse
	status = doJSON(t, srv, http.MethodGet, base+"/deficiencies", token, nil, &defs)
	if status != http.StatusOK {
		t.Fatalf("deficiencies status = %d", status)
	}
	if defs.Ready || len(defs.Items) != 2 {
		t.Fatalf("deficiencies = %+v", defs)
	}

	// Upload a photo for Walls.
	batch := uploadPhotos(t, srv, token, base+"/items/"+tpl.Sections[0].Items[0].ID+"/photos", map[string]string{
		"walls.jpg": "jpeg bytes",
	})
	if len(batch.Uploaded) != 1 || !batch.Uploaded[0].OK {
		t.Fatalf("upload batch = %+v", batch)
	}
	if len(batch.Response.ImageURLs) != 1 {
		t.Fatalf("image urls = %v", batch.Response.ImageURLs)
	}

	var sig SignatureResponse
	status = doJSON(t, srv, http.MethodPost, base+"/signature", token, CaptureSignatureRequest{URL: "/files/sig.png"}, &sig)
	if status != http.StatusCreated {
		t.Fatalf("signature status = %d", status)
	}

	var progress ProgressResponse
	status = doJSON(t, srv, http.MethodGet, base+"/progress", token, nil, &progress)
	if status != http.StatusOK || progress.Percentage != 100 {
		t.Fatalf("progress = %+v (status %d)", progress, status)
	}

	var submitted InstanceResponse
	status = doJSON(t, srv, http.MethodPost, base+"/submit", token, nil, &submitted)
	if status != http.StatusOK {
		t.Fatalf("submit status = %d", status)
	}
	if submitted.Status != domain.InstanceSubmitted || submitted.SubmittedAt == nil {
		t.Fatalf("submitted instance = %+v", submitted)
	}

	// Terminal: a second submit conflicts, further edits conflict.
	var conflict struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	status = doJSON(t, srv, http.MethodPost, base+"/submit", token, nil, &conflict)
	if status != http.StatusConflict || conflict.Error.Code != "already_submitted" {
		t.Fatalf("second submit = %d %q", status, conflict.Error.Code)
	}
	status = doJSON(t, srv, http.MethodPatch, base+"/items/"+tpl.Sections[1].Items[0].ID, token, UpsertResponseRequest{Status: &fail}, nil)
	if status != http.StatusConflict {
		t.Fatalf("patch after submit = %d, want 409", status)
	}

	// The log has the full trail.
	var events paginatedEvents
	status = doJSON(t, srv, http.MethodGet, "/v0/sites/site-1/events?type=instance.submitted", token, nil, &events)
	if status != http.StatusOK {
		t.Fatalf("events status = %d", status)
	}
	if len(events.Items) != 1 {
		t.Fatalf("submitted events = %d, want 1", len(events.Items))
	}
}

func uploadPhotos(t *testing.T, srv *httptest.Server, token, path string, files map[string]string) AttachPhotosResponse {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("photos", name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := io.WriteString(part, content); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status = %d: %s", resp.StatusCode, data)
	}
	var out AttachPhotosResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return out
}

func TestUploadedPhotoIsServed(t *testing.T) {
	srv, _ := newTestServer(t)
	token := loginAs(t, srv, "tester")
	tpl := setupSiteAndTemplate(t, srv, token)

	var inst InstanceResponse
	status := doJSON(t, srv, http.MethodPost, "/v0/sites/site-1/instances", token, CreateInstanceRequest{TemplateID: tpl.ID}, &inst)
	if status != http.StatusCreated {
		t.Fatalf("create instance status = %d", status)
	}
	path := fmt.Sprintf("/v0/sites/site-1/instances/%s/items/%s/photos", inst.ID, tpl.Sections[0].Items[0].ID)
	batch := uploadPhotos(t, srv, token, path, map[string]string{"walls.jpg": "jpeg bytes"})
	if len(batch.Uploaded) != 1 {
		t.Fatalf("batch = %+v", batch)
	}
	url := batch.Uploaded[0].URL
	if !strings.HasPrefix(url, "/files/") || filepath.Ext(url) != ".jpg" {
		t.Fatalf("stored url = %q", url)
	}
	resp, err := srv.Client().Get(srv.URL + url)
	if err != nil {
		t.Fatalf("fetch photo: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(data) != "jpeg bytes" {
		t.Fatalf("fetch photo = %d %q", resp.StatusCode, data)
	}
}

func TestPermissionsEnforcedForOutsiders(t *testing.T) {
	srv, _ := newTestServer(t)
	owner := loginAs(t, srv, "tester")
	setupSiteAndTemplate(t, srv, owner)

	// An authenticated actor with no role on the site is forbidden.
	outsider := loginAs(t, srv, "stranger")
	var errResp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	status := doJSON(t, srv, http.MethodGet, "/v0/sites/site-1", outsider, nil, &errResp)
	if status != http.StatusForbidden || errResp.Error.Code != "forbidden" {
		t.Fatalf("outsider read = %d %q", status, errResp.Error.Code)
	}

	// Granting inspector unlocks reads but not role management.
	status = doJSON(t, srv, http.MethodPost, "/v0/sites/site-1/rbac/roles/grant", owner, RoleChangeRequest{
		ActorID: "stranger", RoleID: "inspector",
	}, nil)
	if status != http.StatusOK && status != http.StatusNoContent {
		t.Fatalf("grant status = %d", status)
	}
	status = doJSON(t, srv, http.MethodGet, "/v0/sites/site-1", outsider, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("inspector read = %d", status)
	}
	status = doJSON(t, srv, http.MethodPost, "/v0/sites/site-1/rbac/roles/grant", outsider, RoleChangeRequest{
		ActorID: "friend", RoleID: "inspector",
	}, nil)
	if status != http.StatusForbidden {
		t.Fatalf("inspector grant = %d, want 403", status)
	}

	var who WhoAmIResponse
	status = doJSON(t, srv, http.MethodGet, "/v0/sites/site-1/me/permissions", outsider, nil, &who)
	if status != http.StatusOK {
		t.Fatalf("whoami status = %d", status)
	}
	if len(who.Roles) != 1 || who.Roles[0] != "inspector" {
		t.Fatalf("roles = %v", who.Roles)
	}
}
