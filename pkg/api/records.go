package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/midas-platform/midas/pkg/auth"
	"github.com/midas-platform/midas/pkg/dbio"
	"github.com/midas-platform/midas/pkg/observability"
	"github.com/midas-platform/midas/pkg/project"
)

// RecordService serves the record CRUD and lifecycle endpoints for one
// project type. Mount it under its service/convention prefix (for example
// /dmp/mdm1/) with the path prefix stripped.
type RecordService struct {
	factory  *dbio.Factory
	projcoll string
	cfg      project.Config
	opts     []project.Option
	locks    *project.Locks
	obs      *observability.Provider
	log      *slog.Logger
}

// SetTelemetry attaches the metrics provider; nil disables record-level
// metrics.
func (s *RecordService) SetTelemetry(p *observability.Provider) { s.obs = p }

// NewRecordService creates the handler for one project collection.
func NewRecordService(factory *dbio.Factory, projcoll string, cfg project.Config,
	log *slog.Logger, opts ...project.Option) *RecordService {
	if log == nil {
		log = slog.Default()
	}
	return &RecordService{
		factory: factory, projcoll: projcoll, cfg: cfg, opts: opts,
		locks: project.NewLocks(), log: log,
	}
}

// serviceFor binds a lifecycle engine to the request's authenticated
// agent. Every request gets its own engine; the group cache on the
// underlying client must not be shared across actors. The per-record
// lock registry IS shared, so concurrent requests to one record
// serialize their transitions. A WithLocks in opts overrides the
// handler's own registry.
func (s *RecordService) serviceFor(r *http.Request) *project.Service {
	agent := auth.AgentFrom(r.Context())
	cli := s.factory.NewClient(s.projcoll, agent)
	opts := append([]project.Option{project.WithLocks(s.locks)}, s.opts...)
	return project.NewService(cli, s.cfg, opts...)
}

func (s *RecordService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			s.handleList(w, r)
		case http.MethodPost:
			s.handleCreate(w, r)
		default:
			WriteMethodNotAllowed(w, "GET, POST")
		}
		return
	}

	id, sub, _ := strings.Cut(path, "/")
	switch {
	case sub == "":
		s.handleRecord(w, r, id)
	case sub == "name":
		s.handleName(w, r, id)
	case sub == "owner":
		s.handleOwner(w, r, id)
	case sub == "status":
		s.handleStatus(w, r, id)
	case sub == "acls":
		s.handleACLs(w, r, id)
	case sub == "data" || strings.HasPrefix(sub, "data/"):
		s.handleData(w, r, id, strings.TrimPrefix(strings.TrimPrefix(sub, "data"), "/"))
	default:
		WriteProblem(w, http.StatusNotFound, "unknown record property: "+sub)
	}
}

func (s *RecordService) handleList(w http.ResponseWriter, r *http.Request) {
	svc := s.serviceFor(r)
	perms := []string{dbio.ReadPerm}
	if asked := r.URL.Query()["perm"]; len(asked) > 0 {
		perms = asked
	}
	constraints := map[string][]any{}
	if name := r.URL.Query().Get("name"); name != "" {
		constraints["name"] = []any{name}
	}
	if state := r.URL.Query().Get("state"); state != "" {
		constraints["status_state"] = []any{state}
	}

	recs, err := svc.SelectRecords(r.Context(), perms, constraints)
	if err != nil {
		WriteServiceError(w, s.log, err)
		return
	}
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.ToMap())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *RecordService) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "request body is not a JSON object")
		return
	}
	name, _ := body["name"].(string)
	if name == "" {
		WriteProblem(w, http.StatusBadRequest, "a record name is required")
		return
	}
	data, _ := body["data"].(map[string]any)
	meta, _ := body["meta"].(map[string]any)

	svc := s.serviceFor(r)
	rec, err := svc.CreateRecord(r.Context(), name, data, meta)
	if err != nil {
		WriteServiceError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec.ToMap())
}

func (s *RecordService) handleRecord(w http.ResponseWriter, r *http.Request, id string) {
	svc := s.serviceFor(r)
	switch r.Method {
	case http.MethodGet:
		rec, err := svc.GetRecord(r.Context(), id)
		if err != nil {
			WriteServiceError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, rec.ToMap())

	case http.MethodPatch:
		s.handleUpdate(w, r, svc, id, false)

	case http.MethodPut:
		s.handleUpdate(w, r, svc, id, true)

	case http.MethodDelete:
		removed, err := svc.DeleteRecord(r.Context(), id)
		if err != nil {
			WriteServiceError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": removed})

	default:
		WriteMethodNotAllowed(w, "GET, PATCH, PUT, DELETE")
	}
}

// handleUpdate merges (or replaces) record data, then runs the lifecycle
// action named by the action query parameter.
func (s *RecordService) handleUpdate(w http.ResponseWriter, r *http.Request, svc *project.Service, id string, replace bool) {
	body, err := readBody(r)
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "request body is not a JSON object")
		return
	}
	message := r.URL.Query().Get("message")

	if len(body) > 0 {
		if replace {
			_, err = svc.ReplaceData(r.Context(), id, body, "", message)
		} else {
			_, err = svc.UpdateData(r.Context(), id, body, "", message)
		}
		if err != nil {
			WriteServiceError(w, s.log, err)
			return
		}
	}

	switch action := r.URL.Query().Get("action"); action {
	case "":
	case "finalize":
		if _, err := svc.Finalize(r.Context(), id, message); err != nil {
			WriteServiceError(w, s.log, err)
			return
		}
	case "publish":
		state, err := svc.Submit(r.Context(), id, message)
		if err != nil {
			WriteServiceError(w, s.log, err)
			return
		}
		if s.obs != nil && state == dbio.StatePublished {
			s.obs.RecordPublished(r.Context(), s.projcoll)
		}
	default:
		WriteProblem(w, http.StatusBadRequest, "unsupported action: "+action)
		return
	}

	rec, err := svc.GetRecord(r.Context(), id)
	if err != nil {
		WriteServiceError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.ToMap())
}

func (s *RecordService) handleData(w http.ResponseWriter, r *http.Request, id, part string) {
	svc := s.serviceFor(r)
	message := r.URL.Query().Get("message")

	switch r.Method {
	case http.MethodGet:
		rec, err := svc.GetRecord(r.Context(), id)
		if err != nil {
			WriteServiceError(w, s.log, err)
			return
		}
		if part == "" {
			writeJSON(w, http.StatusOK, rec.Data)
			return
		}
		val, ok := dataAt(rec.Data, part)
		if !ok {
			WriteProblem(w, http.StatusNotFound, "no data property at "+part)
			return
		}
		writeJSON(w, http.StatusOK, val)

	case http.MethodPatch, http.MethodPut:
		body, err := readBody(r)
		if err != nil {
			WriteProblem(w, http.StatusBadRequest, "request body is not a JSON object")
			return
		}
		var data map[string]any
		if r.Method == http.MethodPut {
			data, err = svc.ReplaceData(r.Context(), id, body, part, message)
		} else {
			data, err = svc.UpdateData(r.Context(), id, body, part, message)
		}
		if err != nil {
			WriteServiceError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, data)

	case http.MethodDelete:
		cleared, err := svc.ClearData(r.Context(), id, part, message)
		if err != nil {
			WriteServiceError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})

	default:
		WriteMethodNotAllowed(w, "GET, PATCH, PUT, DELETE")
	}
}

func (s *RecordService) handleName(w http.ResponseWriter, r *http.Request, id string) {
	svc := s.serviceFor(r)
	switch r.Method {
	case http.MethodGet:
		rec, err := svc.GetRecord(r.Context(), id)
		if err != nil {
			WriteServiceError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, rec.Name)

	case http.MethodPut:
		var name string
		if err := decodeInto(r, &name); err != nil || name == "" {
			WriteProblem(w, http.StatusBadRequest, "request body must be a JSON string naming the record")
			return
		}
		if err := svc.RenameRecord(r.Context(), id, name); err != nil {
			WriteServiceError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, name)

	default:
		WriteMethodNotAllowed(w, "GET, PUT")
	}
}

func (s *RecordService) handleOwner(w http.ResponseWriter, r *http.Request, id string) {
	svc := s.serviceFor(r)
	switch r.Method {
	case http.MethodGet:
		rec, err := svc.GetRecord(r.Context(), id)
		if err != nil {
			WriteServiceError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, rec.OwnerID())

	case http.MethodPut:
		var owner string
		if err := decodeInto(r, &owner); err != nil || owner == "" {
			WriteProblem(w, http.StatusBadRequest, "request body must be a JSON string naming the new owner")
			return
		}
		if err := svc.ReassignRecord(r.Context(), id, owner); err != nil {
			WriteServiceError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, owner)

	default:
		WriteMethodNotAllowed(w, "GET, PUT")
	}
}

func (s *RecordService) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, "GET")
		return
	}
	svc := s.serviceFor(r)
	rec, err := svc.GetRecord(r.Context(), id)
	if err != nil {
		WriteServiceError(w, s.log, err)
		return
	}
	st := rec.GetStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":         st.State,
		"action":        st.Action,
		"message":       st.Message,
		"since_date":    st.SinceDate(),
		"modified_date": st.ModifiedDate(),
		"published_as":  st.PublishedAs,
		"version":       st.PublishedVersion,
	})
}

func (s *RecordService) handleACLs(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, "GET")
		return
	}
	svc := s.serviceFor(r)
	rec, err := svc.GetRecord(r.Context(), id)
	if err != nil {
		WriteServiceError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.GetACLs().ToMap())
}

// readBody decodes a JSON object request body; an empty body is nil.
func readBody(r *http.Request) (map[string]any, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}

func decodeInto(r *http.Request, out any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// dataAt reads the value at a slash-delimited pointer into record data.
func dataAt(data map[string]any, part string) (any, bool) {
	var cur any = data
	for _, step := range strings.Split(strings.Trim(part, "/"), "/") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[step]; !ok {
			return nil, false
		}
	}
	return cur, true
}
