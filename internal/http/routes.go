// Package http is an in-memory rendition of the judge evaluation API. It
// backs the console in local development and in tests, where its fault
// injection and call counters stand in for a flaky remote service.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	m "github.com/go-chi/chi/v5/middleware"

	"judge-console/internal/schemas"
)

type Server struct {
	st     *state
	faults *faults
	token  string
	step   int
}

type Option func(*Server)

// WithToken requires a bearer token on every /api route.
func WithToken(tok string) Option {
	return func(s *Server) { s.token = tok }
}

// WithStep sets how many evaluations each run status read processes.
func WithStep(n int) Option {
	return func(s *Server) { s.step = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.st.now = now }
}

func New(opts ...Option) *Server {
	s := &Server{st: newState(time.Now), faults: &faults{}, step: 1}
	for _, o := range opts {
		o(s)
	}
	if s.step < 1 {
		s.step = 1
	}
	return s
}

// FailNext makes the next request matching method and path prefix answer
// with status. An empty method matches any.
func (s *Server) FailNext(method, pathPrefix string, status int) {
	s.faults.failNext(method, pathPrefix, status)
}

// SetLatency delays every request under pathPrefix.
func (s *Server) SetLatency(pathPrefix string, d time.Duration) {
	s.faults.setLatency(pathPrefix, d)
}

// Calls counts requests received for method under pathPrefix.
func (s *Server) Calls(method, pathPrefix string) int {
	return s.faults.count(method, pathPrefix)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(m.RequestID, m.RealIP, requestLogger, m.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		if s.token != "" {
			r.Use(RequireAPIToken(s.token))
		}
		r.Use(s.faults.middleware)

		r.Get("/queues", s.listQueues)
		r.Get("/queues/{queueId}/questions", s.listQuestions)
		r.Get("/queues/{queueId}/judge-assignments/{questionId}", s.getAssignment)
		r.Post("/queues/{queueId}/judge-assignments", s.replaceAssignment)
		r.Delete("/queues/{queueId}/judge-assignments/{questionId}/{judgeId}", s.removeAssignment)

		r.Get("/judges", s.listJudges)
		r.Post("/judges", s.createJudge)
		r.Get("/judges/{judgeId}", s.getJudge)
		r.Put("/judges/{judgeId}", s.updateJudge)
		r.Delete("/judges/{judgeId}", s.deleteJudge)
		r.Patch("/judges/{judgeId}/active", s.setActive)

		r.Post("/runs", s.startRun)
		r.Get("/runs/{runId}", s.getRun)

		r.Get("/evaluations", s.listEvaluations)

		r.Post("/submissions", s.uploadSubmission)
		r.Get("/submissions/{submissionId}", s.getSubmission)
	})
	return r
}

func NewServer(addr string, s *Server) *http.Server {
	return &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
}

type errResp struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNotFound):
		writeJSON(w, http.StatusNotFound, errResp{err.Error()})
	case errors.Is(err, errInvalid):
		writeJSON(w, http.StatusBadRequest, errResp{err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errResp{err.Error()})
	}
}

// param returns a decoded path parameter. chi routes on the escaped path when
// one is present, so an id containing '/' arrives escaped.
func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v
	}
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{err.Error()})
		return false
	}
	return true
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, schemas.QueuesResponse{Queues: s.st.queues()})
}

func (s *Server) listQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := s.st.queueQuestions(param(r, "queueId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schemas.QuestionsResponse{Questions: qs})
}

func (s *Server) getAssignment(w http.ResponseWriter, r *http.Request) {
	ids, err := s.st.assignment(param(r, "queueId"), param(r, "questionId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schemas.AssignmentResponse{JudgeIDs: ids})
}

func (s *Server) replaceAssignment(w http.ResponseWriter, r *http.Request) {
	var req schemas.ReplaceAssignmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.QuestionTemplateID == "" || req.JudgeIDs == nil {
		writeJSON(w, http.StatusBadRequest, errResp{"questionTemplateId and judgeIds are required"})
		return
	}
	if err := s.st.replaceAssignment(param(r, "queueId"), req.QuestionTemplateID, req.JudgeIDs); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeAssignment(w http.ResponseWriter, r *http.Request) {
	err := s.st.removeAssignment(param(r, "queueId"), param(r, "questionId"), param(r, "judgeId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listJudges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, schemas.JudgesResponse{Judges: s.st.listJudges()})
}

func (s *Server) getJudge(w http.ResponseWriter, r *http.Request) {
	j, err := s.st.judge(param(r, "judgeId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// createJudge answers with the new id as a JSON string.
func (s *Server) createJudge(w http.ResponseWriter, r *http.Request) {
	var in schemas.JudgeInput
	if !decodeBody(w, r, &in) {
		return
	}
	id, err := s.st.createJudge(in)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, id)
}

func (s *Server) updateJudge(w http.ResponseWriter, r *http.Request) {
	var in schemas.JudgeInput
	if !decodeBody(w, r, &in) {
		return
	}
	if err := s.st.updateJudge(param(r, "judgeId"), in); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteJudge(w http.ResponseWriter, r *http.Request) {
	if err := s.st.deleteJudge(param(r, "judgeId")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request) {
	var req schemas.SetActiveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.st.setActive(param(r, "judgeId"), req.Active); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// startRun answers with the bare run id as text, as the upstream service
// does.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req schemas.StartRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.st.startRun(req.QueueID)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(id))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.st.advanceRun(param(r, "runId"), s.step)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listEvaluations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := schemas.EvaluationFilter{
		QueueID:            q.Get("queueId"),
		JudgeID:            q.Get("judgeId"),
		QuestionTemplateID: q.Get("questionTemplateId"),
		Verdict:            schemas.Verdict(q.Get("verdict")),
	}
	if err := f.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, schemas.EvaluationsResponse{Evaluations: s.st.listEvaluations(f)})
}

func (s *Server) uploadSubmission(w http.ResponseWriter, r *http.Request) {
	var sub schemas.Submission
	if !decodeBody(w, r, &sub) {
		return
	}
	id, err := s.st.addSubmission(sub)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, id)
}

func (s *Server) getSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.st.submission(param(r, "submissionId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}
