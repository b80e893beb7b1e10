package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldcheck/internal/config"
	"fieldcheck/internal/domain"
	"fieldcheck/internal/engine/auth"
	"fieldcheck/internal/events"
	"fieldcheck/internal/repo"
)

// Engine owns the checklist instance lifecycle: recording responses,
// computing progress and deficiencies, and gating the one irreversible
// submission. CompleteInspection is the external inspection service call made
// exactly once per successful submit; nil means no external service (local
// completion only).
type Engine struct {
	DB                 *sql.DB
	Repo               repo.Repo
	Events             events.Writer
	Auth               auth.Service
	Config             *config.Config
	Now                func() time.Time
	CompleteInspection func(ctx context.Context, instanceID string) error
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitSite initializes a new site with migrations already run.
func (e Engine) InitSite(ctx context.Context, siteID, description, actorID string) (domain.Site, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Site{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Site{
		ID:          siteID,
		Kind:        "construction-site",
		Status:      "active",
		Description: description,
		CreatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sites(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.Kind, s.Status, nullable(s.Description), s.CreatedAt); err != nil {
		return domain.Site{}, fmt.Errorf("insert site: %w", err)
	}
	seedCfg := config.Default(s.ID)
	if err := e.Repo.UpsertSiteConfigTx(ctx, tx, s.ID, seedCfg); err != nil {
		return domain.Site{}, fmt.Errorf("insert site config: %w", err)
	}
	if err := e.Repo.SeedRolesFromConfig(ctx, tx, s.ID, seedCfg); err != nil {
		return domain.Site{}, fmt.Errorf("seed roles: %w", err)
	}
	if actorID != "" {
		if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
			return domain.Site{}, err
		}
		if err := e.Repo.AssignRole(ctx, tx, s.ID, actorID, "owner"); err != nil {
			return domain.Site{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "site.init", s.ID, "site", s.ID, actorID, events.EventPayload{"status": s.Status}); err != nil {
		return domain.Site{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Site{}, err
	}
	return s, nil
}

// ItemSpec describes one checklist line on import.
type ItemSpec struct {
	Name              string
	Description       string
	RequiresPhoto     bool
	RequiresNote      bool
	RequiresSignature bool
}

type SectionSpec struct {
	Name  string
	Items []ItemSpec
}

// TemplateImportOptions are parameters for ingesting a checklist template.
type TemplateImportOptions struct {
	ID       string
	SiteID   string
	Name     string
	Sections []SectionSpec
	ActorID  string
}

// ImportTemplate stores an externally authored template. Templates are
// read-only afterwards; instances hold only a reference.
func (e Engine) ImportTemplate(ctx context.Context, opts TemplateImportOptions) (domain.Template, error) {
	if opts.Name == "" {
		return domain.Template{}, errors.New("name is required")
	}
	if opts.SiteID == "" {
		return domain.Template{}, errors.New("site is required")
	}
	if _, err := e.Repo.GetSite(ctx, opts.SiteID); err != nil {
		return domain.Template{}, err
	}
	for _, s := range opts.Sections {
		if s.Name == "" {
			return domain.Template{}, errors.New("section name is required")
		}
		for _, it := range s.Items {
			if it.Name == "" {
				return domain.Template{}, fmt.Errorf("section %s has item without name", s.Name)
			}
		}
	}
	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.SiteID+"|"+opts.Name+"|"+now)).String()
	}
	t := domain.Template{
		ID:        id,
		SiteID:    opts.SiteID,
		Name:      opts.Name,
		CreatedAt: now,
	}
	itemCount := 0
	for si, s := range opts.Sections {
		section := domain.Section{
			ID:         uuid.New().String(),
			TemplateID: t.ID,
			Name:       s.Name,
			Position:   si,
		}
		for ii, it := range s.Items {
			section.Items = append(section.Items, domain.Item{
				ID:                uuid.New().String(),
				SectionID:         section.ID,
				Name:              it.Name,
				Description:       it.Description,
				Position:          ii,
				RequiresPhoto:     it.RequiresPhoto,
				RequiresNote:      it.RequiresNote,
				RequiresSignature: it.RequiresSignature,
			})
			itemCount++
		}
		t.Sections = append(t.Sections, section)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTemplate(ctx, tx, t); err != nil {
		return domain.Template{}, err
	}
	if err := e.Events.Append(ctx, tx, "template.imported", t.SiteID, "template", t.ID, opts.ActorID, events.EventPayload{
		"name":     t.Name,
		"sections": len(t.Sections),
		"items":    itemCount,
	}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

// InstanceCreateOptions are parameters for starting an inspection checklist.
type InstanceCreateOptions struct {
	ID         string
	SiteID     string
	TemplateID string
	Name       string
	AssigneeID string
	ActorID    string
}

func (e Engine) CreateInstance(ctx context.Context, opts InstanceCreateOptions) (domain.Instance, error) {
	if opts.TemplateID == "" {
		return domain.Instance{}, errors.New("template is required")
	}
	if opts.SiteID == "" {
		return domain.Instance{}, errors.New("site is required")
	}
	tpl, err := e.Repo.GetTemplate(ctx, opts.TemplateID)
	if err != nil {
		return domain.Instance{}, err
	}
	if tpl.SiteID != opts.SiteID {
		return domain.Instance{}, fmt.Errorf("template %s not in site %s", opts.TemplateID, opts.SiteID)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	inst := domain.Instance{
		ID:         id,
		SiteID:     opts.SiteID,
		TemplateID: opts.TemplateID,
		Name:       opts.Name,
		Status:     domain.InstanceDraft,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertInstance(ctx, tx, inst); err != nil {
		return domain.Instance{}, err
	}
	if opts.AssigneeID != "" {
		if _, err := e.Repo.UpsertAssignmentTx(ctx, tx, inst.ID, opts.AssigneeID); err != nil {
			return domain.Instance{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "instance.created", inst.SiteID, "instance", inst.ID, opts.ActorID, events.EventPayload{
		"template_id": inst.TemplateID,
		"status":      inst.Status,
	}); err != nil {
		return domain.Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, err
	}
	return inst, nil
}

// InstanceProgress recomputes progress from persisted responses.
func (e Engine) InstanceProgress(ctx context.Context, instanceID string) (domain.Progress, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.Progress{}, err
	}
	tpl, err := e.Repo.GetTemplate(ctx, inst.TemplateID)
	if err != nil {
		return domain.Progress{}, err
	}
	responses, err := e.Repo.ListResponses(ctx, instanceID)
	if err != nil {
		return domain.Progress{}, err
	}
	return ComputeProgress(tpl, responses), nil
}

// InstanceDeficiencies recomputes the full deficiency list on demand.
// Readiness is never persisted; a draft instance with an empty list is
// ready to submit.
func (e Engine) InstanceDeficiencies(ctx context.Context, instanceID string) ([]domain.Deficiency, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	tpl, err := e.Repo.GetTemplate(ctx, inst.TemplateID)
	if err != nil {
		return nil, err
	}
	responses, err := e.Repo.ListResponses(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	signed, err := e.Repo.HasSignature(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return Validate(tpl, responses, signed), nil
}

// ResponsePatch is a shallow merge onto the stored response; nil fields are
// preserved. Re-sending an identical patch is idempotent apart from
// updated_at.
type ResponsePatch struct {
	Status    *string
	Notes     *string
	ImageURLs *[]string
}

// UpsertResponse creates the response row on first touch (defaults merged
// under the patch) or merges the patch onto the current row. The row is
// persisted before the call returns; on error nothing was stored and the
// caller may retry with the same patch.
func (e Engine) UpsertResponse(ctx context.Context, instanceID, itemID string, patch ResponsePatch, actorID string) (domain.Response, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.Response{}, err
	}
	if err := ensureMutable(inst); err != nil {
		return domain.Response{}, err
	}
	ok, err := e.Repo.TemplateItemExists(ctx, inst.TemplateID, itemID)
	if err != nil {
		return domain.Response{}, err
	}
	if !ok {
		return domain.Response{}, fmt.Errorf("item %s not in template %s: %w", itemID, inst.TemplateID, repo.ErrNotFound)
	}
	if patch.Status != nil && !domain.ValidStatus(*patch.Status) {
		return domain.Response{}, fmt.Errorf("invalid status %q", *patch.Status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Response{}, err
	}
	defer tx.Rollback()

	resp, err := e.Repo.GetResponseTx(ctx, tx, instanceID, itemID)
	created := false
	if errors.Is(err, repo.ErrNotFound) {
		created = true
		resp = domain.Response{
			ID:         uuid.New().String(),
			InstanceID: instanceID,
			ItemID:     itemID,
			Status:     domain.StatusPending,
			ImageURLs:  []string{},
		}
	} else if err != nil {
		return domain.Response{}, err
	}
	if patch.Status != nil {
		resp.Status = *patch.Status
	}
	if patch.Notes != nil {
		resp.Notes = *patch.Notes
	}
	if patch.ImageURLs != nil {
		resp.ImageURLs = *patch.ImageURLs
	}
	resp.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if created {
		err = e.Repo.InsertResponse(ctx, tx, resp)
	} else {
		err = e.Repo.UpdateResponse(ctx, tx, resp)
	}
	if err != nil {
		return domain.Response{}, fmt.Errorf("persist response: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "response.recorded", inst.SiteID, "response", resp.ID, actorID, events.EventPayload{
		"item_id": itemID,
		"status":  resp.Status,
		"created": created,
	}); err != nil {
		return domain.Response{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Response{}, err
	}
	return resp, nil
}

// AttachPhotos appends stored photo references to the item's response,
// creating a pending row if the item was never touched. Attaching photos does
// not answer the item; status stays whatever it was. An empty url list (a
// batch where every upload failed) changes nothing.
func (e Engine) AttachPhotos(ctx context.Context, instanceID, itemID string, urls []string, actorID string) (domain.Response, error) {
	if len(urls) == 0 {
		resp, err := e.Repo.GetResponse(ctx, instanceID, itemID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Response{
				InstanceID: instanceID,
				ItemID:     itemID,
				Status:     domain.StatusPending,
				ImageURLs:  []string{},
			}, nil
		}
		return resp, err
	}
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.Response{}, err
	}
	if err := ensureMutable(inst); err != nil {
		return domain.Response{}, err
	}
	ok, err := e.Repo.TemplateItemExists(ctx, inst.TemplateID, itemID)
	if err != nil {
		return domain.Response{}, err
	}
	if !ok {
		return domain.Response{}, fmt.Errorf("item %s not in template %s: %w", itemID, inst.TemplateID, repo.ErrNotFound)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Response{}, err
	}
	defer tx.Rollback()

	resp, err := e.Repo.GetResponseTx(ctx, tx, instanceID, itemID)
	created := false
	if errors.Is(err, repo.ErrNotFound) {
		created = true
		resp = domain.Response{
			ID:         uuid.New().String(),
			InstanceID: instanceID,
			ItemID:     itemID,
			Status:     domain.StatusPending,
			ImageURLs:  []string{},
		}
	} else if err != nil {
		return domain.Response{}, err
	}
	resp.ImageURLs = append(resp.ImageURLs, urls...)
	resp.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if created {
		err = e.Repo.InsertResponse(ctx, tx, resp)
	} else {
		err = e.Repo.UpdateResponse(ctx, tx, resp)
	}
	if err != nil {
		return domain.Response{}, fmt.Errorf("persist response: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "photos.attached", inst.SiteID, "response", resp.ID, actorID, events.EventPayload{
		"item_id": itemID,
		"count":   len(urls),
		"total":   len(resp.ImageURLs),
	}); err != nil {
		return domain.Response{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Response{}, err
	}
	return resp, nil
}

// CaptureSignature records an accepted signature blob for the instance. The
// blob itself is opaque; the widget producing it lives outside the engine.
func (e Engine) CaptureSignature(ctx context.Context, instanceID, url, signerID string) (domain.Signature, error) {
	if url == "" {
		return domain.Signature{}, errors.New("signature url required")
	}
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.Signature{}, err
	}
	if err := ensureMutable(inst); err != nil {
		return domain.Signature{}, err
	}
	sig := domain.Signature{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		SignerID:   signerID,
		URL:        url,
		CapturedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Signature{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSignature(ctx, tx, sig); err != nil {
		return domain.Signature{}, err
	}
	if err := e.Events.Append(ctx, tx, "signature.captured", inst.SiteID, "signature", sig.ID, signerID, events.EventPayload{
		"instance_id": instanceID,
	}); err != nil {
		return domain.Signature{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Signature{}, err
	}
	return sig, nil
}

// AssignInspector binds or re-binds the instance to an inspector.
func (e Engine) AssignInspector(ctx context.Context, instanceID, assigneeID, actorID string) (domain.Assignment, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if err := ensureMutable(inst); err != nil {
		return domain.Assignment{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.UpsertAssignmentTx(ctx, tx, instanceID, assigneeID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, "instance.assigned", inst.SiteID, "instance", inst.ID, actorID, events.EventPayload{
		"assignee_id": assigneeID,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

// Submit re-validates against the current persisted responses, then makes the
// external completion call exactly once. A required-but-absent signature
// short-circuits with a single deficiency so the caller can prompt signature
// capture before retrying. Success is terminal; failure leaves the instance
// retryable.
func (e Engine) Submit(ctx context.Context, instanceID, actorID string) (domain.Instance, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return inst, err
	}
	if inst.Status == domain.InstanceSubmitted {
		return inst, ErrInstanceSubmitted
	}
	if inst.Status == domain.InstanceSubmitting {
		return inst, errors.New("submission already in flight")
	}
	tpl, err := e.Repo.GetTemplate(ctx, inst.TemplateID)
	if err != nil {
		return inst, err
	}
	responses, err := e.Repo.ListResponses(ctx, instanceID)
	if err != nil {
		return inst, err
	}
	signed, err := e.Repo.HasSignature(ctx, instanceID)
	if err != nil {
		return inst, err
	}
	if tpl.RequiresSignature() && !signed {
		return inst, ValidationError{Deficiencies: []domain.Deficiency{{Kind: domain.DeficiencyMissingSignature}}}
	}
	defs := Validate(tpl, responses, signed)
	if len(defs) > 0 {
		return inst, ValidationError{Deficiencies: defs}
	}

	if err := ensureInstanceTransition(inst.Status, domain.InstanceSubmitting); err != nil {
		return inst, err
	}
	if err := e.setInstanceStatus(ctx, inst, domain.InstanceSubmitting, nil, actorID, "instance.submitting", nil); err != nil {
		return inst, err
	}
	inst.Status = domain.InstanceSubmitting

	if e.CompleteInspection != nil {
		if err := e.CompleteInspection(ctx, instanceID); err != nil {
			failPayload := events.EventPayload{"error": err.Error()}
			if serr := e.setInstanceStatus(ctx, inst, domain.InstanceSubmissionFailed, nil, actorID, "instance.submission_failed", failPayload); serr != nil {
				return inst, serr
			}
			inst.Status = domain.InstanceSubmissionFailed
			return inst, CompletionError{Err: err}
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.setInstanceStatus(ctx, inst, domain.InstanceSubmitted, &now, actorID, "instance.submitted", nil); err != nil {
		return inst, err
	}
	inst.Status = domain.InstanceSubmitted
	inst.SubmittedAt = &now
	return inst, nil
}

func (e Engine) setInstanceStatus(ctx context.Context, inst domain.Instance, status string, submittedAt *string, actorID, evtType string, extra events.EventPayload) error {
	if err := ensureInstanceTransition(inst.Status, status); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInstanceStatus(ctx, tx, inst.ID, status, submittedAt); err != nil {
		return err
	}
	payload := events.EventPayload{"from": inst.Status, "to": status}
	for k, v := range extra {
		payload[k] = v
	}
	if err := e.Events.Append(ctx, tx, evtType, inst.SiteID, "instance", inst.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// ensureInstanceTransition guards the submission state machine. A failed
// submission returns to a retryable state equivalent to draft; submitted is
// terminal.
func ensureInstanceTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.InstanceDraft:
		if newStatus == domain.InstanceSubmitting {
			return nil
		}
	case domain.InstanceSubmitting:
		if newStatus == domain.InstanceSubmitted || newStatus == domain.InstanceSubmissionFailed {
			return nil
		}
	case domain.InstanceSubmissionFailed:
		if newStatus == domain.InstanceSubmitting {
			return nil
		}
	}
	return fmt.Errorf("invalid instance status transition %s -> %s", oldStatus, newStatus)
}

func ensureMutable(inst domain.Instance) error {
	switch inst.Status {
	case domain.InstanceSubmitted:
		return ErrInstanceSubmitted
	case domain.InstanceSubmitting:
		return errors.New("instance is being submitted")
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
