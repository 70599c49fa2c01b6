package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"github.com/covenant-hub/covenant/portal/internal/access"
	"github.com/covenant-hub/covenant/portal/internal/store"
)

// contentView is the response projection of a content item. FileURL is null
// whenever HasAccess is false.
type contentView struct {
	store.ContentItem
	FileURL   *string `json:"file_url"`
	HasAccess bool    `json:"has_access"`
}

// requester resolves who is asking. ok is false when a token was accepted but
// its member row cannot be loaded; such requests are denied every payload.
func (s *Server) requester(r *http.Request) (req access.Requester, ok bool) {
	identity := getIdentityFromContext(r.Context())
	if identity == nil {
		return access.Requester{}, true
	}
	m, err := s.store.GetMember(r.Context(), identity.MemberID)
	if err != nil {
		s.logger.Warn("requester lookup failed", "member_id", identity.MemberID, "error", err)
		return access.Requester{}, false
	}
	if m == nil || m.AnonymizedAt != nil {
		return access.Requester{}, false
	}
	return access.Requester{Tier: m.Tier, Role: m.Role}, true
}

func (s *Server) decide(req access.Requester, known bool, item *store.ContentItem) access.Decision {
	if !known {
		return access.Decision{}
	}
	d := s.access.Resolve(req, item.TierRequired)
	if d.UnknownRequirement {
		s.logger.Warn("unrecognized tier_required",
			"content_id", item.ID, "tier_required", item.TierRequired,
			"policy", s.access.Policy().String(), "has_access", d.HasAccess)
	}
	return d
}

// view builds the projection. The file URL is only computed when access is granted.
func (s *Server) view(ctx context.Context, item store.ContentItem, d access.Decision) (contentView, error) {
	v := contentView{ContentItem: item, HasAccess: d.HasAccess}
	if !d.HasAccess {
		return v, nil
	}
	url, err := s.files.URL(ctx, item.FileRef)
	if err != nil {
		return v, err
	}
	v.FileURL = access.Redact(d, url)
	return v, nil
}

// bumpCounter increments a content counter in the background. Failures are
// logged and never reach the reader.
func (s *Server) bumpCounter(id string, counter store.Counter) {
	s.counters.Add(1)
	go func() {
		defer s.counters.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.IncrementContentCounter(ctx, id, counter); err != nil {
			s.logger.Warn("counter increment failed", "content_id", id, "error", err)
		}
	}()
}

func (s *Server) handleListContent(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind != "" && !store.ValidKind(kind) {
		writeError(w, http.StatusBadRequest, "unknown content kind")
		return
	}
	limit, offset := pageParams(r)

	items, err := s.store.ListContent(r.Context(), store.ContentFilter{Kind: kind, Limit: limit, Offset: offset})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list content")
		return
	}

	req, known := s.requester(r)
	views := make([]contentView, 0, len(items))
	for _, item := range items {
		v, err := s.view(r.Context(), item, s.decide(req, known, &item))
		if err != nil {
			s.logger.Warn("resolve file url failed", "content_id", item.ID, "error", err)
		}
		views = append(views, v)
	}
	writeData(w, http.StatusOK, views)
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	item, ok := s.loadContent(w, r)
	if !ok {
		return
	}

	req, known := s.requester(r)
	d := s.decide(req, known, item)
	v, err := s.view(r.Context(), *item, d)
	if err != nil {
		s.logger.Error("resolve file url failed", "content_id", item.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve file")
		return
	}
	if d.HasAccess {
		s.bumpCounter(item.ID, store.CounterViews)
	}
	writeData(w, http.StatusOK, v)
}

func (s *Server) handleDownloadContent(w http.ResponseWriter, r *http.Request) {
	item, ok := s.loadContent(w, r)
	if !ok {
		return
	}

	req, known := s.requester(r)
	d := s.decide(req, known, item)
	if !d.HasAccess {
		writeError(w, http.StatusForbidden, "your tier does not include this content")
		return
	}

	url, err := s.files.URL(r.Context(), item.FileRef)
	if err != nil {
		s.logger.Error("resolve file url failed", "content_id", item.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve file")
		return
	}
	s.bumpCounter(item.ID, store.CounterDownloads)
	writeData(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) loadContent(w http.ResponseWriter, r *http.Request) (*store.ContentItem, bool) {
	id := chi.URLParam(r, "contentID")
	item, err := s.store.GetContent(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get content")
		return nil, false
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "content not found")
		return nil, false
	}
	return item, true
}

type createContentRequest struct {
	Kind         string `json:"kind" validate:"required,oneof=resource teaching prophecy"`
	Title        string `json:"title" validate:"required,max=200"`
	Slug         string `json:"slug" validate:"omitempty,max=200"`
	Description  string `json:"description" validate:"max=5000"`
	TierRequired string `json:"tier_required" validate:"required,oneof=free member partner covenant"`
	FileRef      string `json:"file_ref" validate:"required,max=1024"`
}

func (s *Server) handleCreateContent(w http.ResponseWriter, r *http.Request) {
	var req createContentRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	m := getMemberFromContext(r.Context())
	itemSlug := slug.Make(req.Slug)
	if itemSlug == "" {
		itemSlug = slug.Make(req.Title)
	}
	if itemSlug == "" {
		writeError(w, http.StatusBadRequest, "title must contain letters or digits")
		return
	}

	item := &store.ContentItem{
		ID:           uuid.New().String(),
		Kind:         req.Kind,
		Slug:         itemSlug,
		Title:        strings.TrimSpace(req.Title),
		Description:  req.Description,
		TierRequired: req.TierRequired,
		FileRef:      req.FileRef,
		CreatedBy:    m.ID,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateContent(r.Context(), item); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusConflict, "a "+req.Kind+" with this slug already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create content")
		return
	}

	s.audit(r.Context(), "content.created", m.ID, item.ID, map[string]string{
		"kind": item.Kind, "slug": item.Slug, "tier_required": item.TierRequired,
	})
	writeData(w, http.StatusCreated, item)
}

// isUniqueViolation matches the unique-constraint errors of both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
