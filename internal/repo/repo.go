package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldcheck/internal/config"
	"fieldcheck/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- sites ---

func (r Repo) InsertSite(ctx context.Context, s domain.Site) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sites(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.Kind, s.Status, nullable(s.Description), s.CreatedAt)
	return err
}

func (r Repo) GetSite(ctx context.Context, id string) (domain.Site, error) {
	var s domain.Site
	err := r.DB.QueryRowContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM sites WHERE id=?`, id).
		Scan(&s.ID, &s.Kind, &s.Status, &s.Description, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) SingleSite(ctx context.Context) (domain.Site, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM sites`)
	if err != nil {
		return domain.Site{}, err
	}
	defer rows.Close()
	var sites []domain.Site
	for rows.Next() {
		var s domain.Site
		if err := rows.Scan(&s.ID, &s.Kind, &s.Status, &s.Description, &s.CreatedAt); err != nil {
			return domain.Site{}, err
		}
		sites = append(sites, s)
	}
	if len(sites) == 0 {
		return domain.Site{}, ErrNotFound
	}
	if len(sites) > 1 {
		return domain.Site{}, fmt.Errorf("multiple sites exist; specify --site")
	}
	return sites[0], nil
}

func (r Repo) ListSites(ctx context.Context) ([]domain.Site, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM sites ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Site
	for rows.Next() {
		var s domain.Site
		if err := rows.Scan(&s.ID, &s.Kind, &s.Status, &s.Description, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) UpdateSite(ctx context.Context, id, status string, description *string) error {
	var (
		fields []string
		args   []any
	)
	if status != "" {
		fields = append(fields, "status=?")
		args = append(args, status)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE sites SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSite(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sites WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- site configs ---

func (r Repo) UpsertSiteConfig(ctx context.Context, siteID string, cfg *config.Config) error {
	return upsertSiteConfig(ctx, r.DB, nil, siteID, cfg)
}

func (r Repo) UpsertSiteConfigTx(ctx context.Context, tx *sql.Tx, siteID string, cfg *config.Config) error {
	return upsertSiteConfig(ctx, nil, tx, siteID, cfg)
}

func upsertSiteConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, siteID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Site.ID = siteID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO site_configs(site_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(site_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, siteID, string(payload), now, now)
	return err
}

func (r Repo) GetSiteConfig(ctx context.Context, siteID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM site_configs WHERE site_id=?`, siteID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Site.ID == "" {
		cfg.Site.ID = siteID
	}
	return &cfg, cfg.Validate()
}

// --- templates ---

// InsertTemplate stores a full template tree. Templates are immutable after
// import; there is deliberately no UpdateTemplate.
func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO templates(id,site_id,name,created_at) VALUES (?,?,?,?)`,
		t.ID, t.SiteID, t.Name, t.CreatedAt); err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	for _, s := range t.Sections {
		if _, err := tx.ExecContext(ctx, `INSERT INTO template_sections(id,template_id,name,position) VALUES (?,?,?,?)`,
			s.ID, t.ID, s.Name, s.Position); err != nil {
			return fmt.Errorf("insert section %s: %w", s.Name, err)
		}
		for _, it := range s.Items {
			if _, err := tx.ExecContext(ctx, `INSERT INTO template_items(id,section_id,name,description,position,requires_photo,requires_note,requires_signature) VALUES (?,?,?,?,?,?,?,?)`,
				it.ID, s.ID, it.Name, nullable(it.Description), it.Position, boolInt(it.RequiresPhoto), boolInt(it.RequiresNote), boolInt(it.RequiresSignature)); err != nil {
				return fmt.Errorf("insert item %s: %w", it.Name, err)
			}
		}
	}
	return nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	var t domain.Template
	err := r.DB.QueryRowContext(ctx, `SELECT id,site_id,name,created_at FROM templates WHERE id=?`, id).
		Scan(&t.ID, &t.SiteID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	sections, err := r.listSections(ctx, t.ID)
	if err != nil {
		return t, err
	}
	t.Sections = sections
	return t, nil
}

func (r Repo) listSections(ctx context.Context, templateID string) ([]domain.Section, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,template_id,name,position FROM template_sections WHERE template_id=? ORDER BY position ASC, id ASC`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sections []domain.Section
	for rows.Next() {
		var s domain.Section
		if err := rows.Scan(&s.ID, &s.TemplateID, &s.Name, &s.Position); err != nil {
			return nil, err
		}
		sections = append(sections, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range sections {
		items, err := r.listItems(ctx, sections[i].ID)
		if err != nil {
			return nil, err
		}
		sections[i].Items = items
	}
	return sections, nil
}

func (r Repo) listItems(ctx context.Context, sectionID string) ([]domain.Item, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,section_id,name,COALESCE(description,''),position,requires_photo,requires_note,requires_signature FROM template_items WHERE section_id=? ORDER BY position ASC, id ASC`, sectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.Item
	for rows.Next() {
		var it domain.Item
		var photo, note, sig int
		if err := rows.Scan(&it.ID, &it.SectionID, &it.Name, &it.Description, &it.Position, &photo, &note, &sig); err != nil {
			return nil, err
		}
		it.RequiresPhoto = photo != 0
		it.RequiresNote = note != 0
		it.RequiresSignature = sig != 0
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r Repo) ListTemplates(ctx context.Context, siteID string) ([]domain.Template, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,site_id,name,created_at FROM templates WHERE site_id=? ORDER BY created_at DESC, id DESC`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		var t domain.Template
		if err := rows.Scan(&t.ID, &t.SiteID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TemplateItemExists reports whether an item belongs to the given template.
func (r Repo) TemplateItemExists(ctx context.Context, templateID, itemID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `
SELECT 1 FROM template_items ti
JOIN template_sections ts ON ts.id=ti.section_id
WHERE ti.id=? AND ts.template_id=? LIMIT 1`, itemID, templateID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- instances ---

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, inst domain.Instance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO instances(id,site_id,template_id,name,status,submitted_at,created_at) VALUES (?,?,?,?,?,?,?)`,
		inst.ID, inst.SiteID, inst.TemplateID, nullable(inst.Name), inst.Status, nullableStringPtr(inst.SubmittedAt), inst.CreatedAt)
	return err
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	var inst domain.Instance
	var name, submittedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,site_id,template_id,name,status,submitted_at,created_at FROM instances WHERE id=?`, id).
		Scan(&inst.ID, &inst.SiteID, &inst.TemplateID, &name, &inst.Status, &submittedAt, &inst.CreatedAt)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	if name.Valid {
		inst.Name = name.String
	}
	if submittedAt.Valid {
		inst.SubmittedAt = &submittedAt.String
	}
	return inst, nil
}

func (r Repo) UpdateInstanceStatus(ctx context.Context, tx *sql.Tx, id, status string, submittedAt *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE instances SET status=?, submitted_at=COALESCE(?, submitted_at) WHERE id=?`,
		status, nullableStringPtr(submittedAt), id)
	return err
}

type InstanceFilters struct {
	SiteID          string
	TemplateID      string
	Status          string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.Instance, error) {
	var clauses []string
	var args []any
	if f.SiteID != "" {
		clauses = append(clauses, "site_id=?")
		args = append(args, f.SiteID)
	}
	if f.TemplateID != "" {
		clauses = append(clauses, "template_id=?")
		args = append(args, f.TemplateID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "id IN (SELECT instance_id FROM assignments WHERE actor_id=?)")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,site_id,template_id,name,status,submitted_at,created_at FROM instances ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Instance
	for rows.Next() {
		var inst domain.Instance
		var name, submittedAt sql.NullString
		if err := rows.Scan(&inst.ID, &inst.SiteID, &inst.TemplateID, &name, &inst.Status, &submittedAt, &inst.CreatedAt); err != nil {
			return nil, err
		}
		if name.Valid {
			inst.Name = name.String
		}
		if submittedAt.Valid {
			inst.SubmittedAt = &submittedAt.String
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

// --- responses ---

func scanResponse(scan func(dest ...any) error) (domain.Response, error) {
	var resp domain.Response
	var urls string
	err := scan(&resp.ID, &resp.InstanceID, &resp.ItemID, &resp.Status, &resp.Notes, &urls, &resp.UpdatedAt)
	if err == sql.ErrNoRows {
		return resp, ErrNotFound
	}
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal([]byte(urls), &resp.ImageURLs); err != nil {
		return resp, fmt.Errorf("decode image urls for response %s: %w", resp.ID, err)
	}
	return resp, nil
}

const responseColumns = `id,instance_id,item_id,status,notes,image_urls,updated_at`

func (r Repo) GetResponse(ctx context.Context, instanceID, itemID string) (domain.Response, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM responses WHERE instance_id=? AND item_id=?`, instanceID, itemID)
	return scanResponse(row.Scan)
}

func (r Repo) GetResponseTx(ctx context.Context, tx *sql.Tx, instanceID, itemID string) (domain.Response, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM responses WHERE instance_id=? AND item_id=?`, instanceID, itemID)
	return scanResponse(row.Scan)
}

func (r Repo) InsertResponse(ctx context.Context, tx *sql.Tx, resp domain.Response) error {
	urls, err := marshalURLs(resp.ImageURLs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO responses(id,instance_id,item_id,status,notes,image_urls,updated_at) VALUES (?,?,?,?,?,?,?)`,
		resp.ID, resp.InstanceID, resp.ItemID, resp.Status, resp.Notes, urls, resp.UpdatedAt)
	return err
}

func (r Repo) UpdateResponse(ctx context.Context, tx *sql.Tx, resp domain.Response) error {
	urls, err := marshalURLs(resp.ImageURLs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE responses SET status=?, notes=?, image_urls=?, updated_at=? WHERE id=?`,
		resp.Status, resp.Notes, urls, resp.UpdatedAt, resp.ID)
	return err
}

// ListResponses returns all recorded responses for an instance. Items never
// touched have no row here; callers treat absence as pending.
func (r Repo) ListResponses(ctx context.Context, instanceID string) ([]domain.Response, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+responseColumns+` FROM responses WHERE instance_id=? ORDER BY updated_at ASC, id ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Response
	for rows.Next() {
		resp, err := scanResponse(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, resp)
	}
	return res, rows.Err()
}

func marshalURLs(urls []string) (string, error) {
	if urls == nil {
		urls = []string{}
	}
	b, err := json.Marshal(urls)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, siteID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, siteID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, siteID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if siteID != "" {
		clauses = append(clauses, "site_id=?")
		args = append(args, siteID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,site_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, siteID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if siteID != "" {
		clauses = append(clauses, "site_id=?")
		args = append(args, siteID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,site_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var siteID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &siteID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if siteID.Valid {
			e.SiteID = siteID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a site.
func (r Repo) LatestEventID(ctx context.Context, siteID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE site_id=?`, siteID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// CountInstancesByStatus summarizes instances per submission state.
func (r Repo) CountInstancesByStatus(ctx context.Context, siteID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM instances WHERE site_id=? GROUP BY status`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
