package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/midas-platform/midas/pkg/auth"
	"github.com/midas-platform/midas/pkg/dbio"
	"github.com/midas-platform/midas/pkg/project"
)

// npsFeedback is the canned feedback stored when the NPS requests changes;
// reviewer comments themselves live in the NPS, not here.
var npsFeedback = []any{
	map[string]any{"type": "req", "description": "Visit NPS for reviewer comments"},
}

// ExternalReviewHandler answers the legacy NPS callback POSTed to
// /extrev/nps/leg/<id>. The body carries a three-valued reviewResponse:
// true approves the record, false pauses the review and requests changes,
// null reports the review as still in progress.
type ExternalReviewHandler struct {
	factory  *dbio.Factory
	projcoll string
	system   string
	cfg      project.Config
	opts     []project.Option
	locks    *project.Locks
	log      *slog.Logger
}

// NewExternalReviewHandler creates the callback handler for one review
// system over one project collection.
func NewExternalReviewHandler(factory *dbio.Factory, projcoll, system string,
	cfg project.Config, log *slog.Logger, opts ...project.Option) *ExternalReviewHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ExternalReviewHandler{
		factory: factory, projcoll: projcoll, system: system,
		cfg: cfg, opts: opts, locks: project.NewLocks(), log: log,
	}
}

func (h *ExternalReviewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, "POST")
		return
	}
	id := strings.Trim(r.URL.Path, "/")
	if id == "" || strings.Contains(id, "/") {
		WriteProblem(w, http.StatusNotFound, "no record identifier given")
		return
	}
	body, err := readBody(r)
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "request body is not a JSON object")
		return
	}

	agent := auth.AgentFrom(r.Context())
	opts := append([]project.Option{project.WithLocks(h.locks)}, h.opts...)
	svc := project.NewService(h.factory.NewClient(h.projcoll, agent), h.cfg, opts...)

	var state string
	response, given := body["reviewResponse"]
	switch {
	case given && response == true:
		state, err = svc.Approve(r.Context(), id, h.system)
	case given && response == false:
		state, err = svc.ApplyExternalReview(r.Context(), id, h.system,
			"paused", "", "", npsFeedback, true, nil)
	default:
		state, err = svc.ApplyExternalReview(r.Context(), id, h.system,
			"in progress", "", "", nil, false, nil)
	}
	if err != nil {
		WriteServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": state})
}
