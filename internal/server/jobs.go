package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/TobiSchelling/KeywordPlanner/internal/progress"
)

// Job kinds a project page can start.
const (
	jobCluster = "cluster"
	jobAnalyze = "analyze"
	jobRun     = "run"
)

var errJobRunning = errors.New("a job is already running for this project")

// job is one background run of a project.
type job struct {
	kind    string
	stream  *progress.Stream
	cancel  context.CancelFunc
	started time.Time

	mu       sync.Mutex
	finished time.Time
	err      error
}

// jobStatus is the view of a job shown on pages and over the API.
type jobStatus struct {
	Kind     string    `json:"kind"`
	Percent  float64   `json:"percent"`
	Running  bool      `json:"running"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitzero"`
	Error    string    `json:"error,omitempty"`
}

func (j *job) status() *jobStatus {
	last, _ := j.stream.Last()
	j.mu.Lock()
	defer j.mu.Unlock()
	st := &jobStatus{
		Kind:     j.kind,
		Percent:  last.Percent,
		Running:  j.finished.IsZero(),
		Started:  j.started,
		Finished: j.finished,
	}
	if j.err != nil {
		st.Error = j.err.Error()
	}
	return st
}

func (j *job) running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished.IsZero()
}

// jobs holds the latest job of each project. At most one job per project
// runs at a time.
type jobs struct {
	mu     sync.Mutex
	byID   map[string]*job
	logger *zap.Logger
}

func newJobs(logger *zap.Logger) *jobs {
	return &jobs{byID: make(map[string]*job), logger: logger}
}

// start runs fn in the background for projectID.
func (js *jobs) start(projectID, kind string, fn func(ctx context.Context, sink progress.Sink) error) (*job, error) {
	js.mu.Lock()
	defer js.mu.Unlock()
	if prev, ok := js.byID[projectID]; ok && prev.running() {
		return nil, errJobRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		kind:    kind,
		stream:  progress.NewStream(),
		cancel:  cancel,
		started: time.Now(),
	}
	js.byID[projectID] = j

	go func() {
		defer cancel()
		err := fn(ctx, j.stream)
		// Store the outcome before closing the stream so subscribers that see
		// the close can read it.
		j.mu.Lock()
		j.finished = time.Now()
		j.err = err
		j.mu.Unlock()
		j.stream.Close()
		if err != nil {
			js.logger.Warn("job failed", zap.String("project", projectID), zap.String("kind", kind), zap.Error(err))
		} else {
			js.logger.Info("job finished", zap.String("project", projectID), zap.String("kind", kind))
		}
	}()
	return j, nil
}

func (js *jobs) get(projectID string) *job {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.byID[projectID]
}

func (js *jobs) status(projectID string) *jobStatus {
	j := js.get(projectID)
	if j == nil {
		return nil
	}
	return j.status()
}

func (js *jobs) cancel(projectID string) bool {
	j := js.get(projectID)
	if j == nil || !j.running() {
		return false
	}
	j.cancel()
	return true
}

func (js *jobs) cancelAll() {
	js.mu.Lock()
	defer js.mu.Unlock()
	for _, j := range js.byID {
		j.cancel()
	}
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	proj, ok := s.project(w, r)
	if !ok {
		return
	}

	var fn func(ctx context.Context, sink progress.Sink) error
	switch kind := chi.URLParam(r, "kind"); kind {
	case jobCluster:
		fn = func(ctx context.Context, sink progress.Sink) error {
			_, err := s.pipeline.Enrich(ctx, proj.ID, sink)
			return err
		}
	case jobAnalyze:
		fn = func(ctx context.Context, sink progress.Sink) error {
			_, err := s.pipeline.Analyze(ctx, proj.ID, nil, sink)
			return err
		}
	case jobRun:
		fn = func(ctx context.Context, sink progress.Sink) error {
			res := s.pipeline.Run(ctx, proj.ID, sink)
			var errs []error
			for _, step := range res.Steps {
				if step.Err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", step.Name, step.Err))
				}
			}
			return errors.Join(errs...)
		}
	default:
		http.Error(w, "unknown job "+kind, http.StatusBadRequest)
		return
	}

	if _, err := s.jobs.start(proj.ID, chi.URLParam(r, "kind"), fn); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	http.Redirect(w, r, "/projects/"+proj.ID, http.StatusSeeOther)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	proj, ok := s.project(w, r)
	if !ok {
		return
	}
	s.jobs.cancel(proj.ID)
	http.Redirect(w, r, "/projects/"+proj.ID, http.StatusSeeOther)
}

func (s *Server) handleJobJSON(w http.ResponseWriter, r *http.Request) {
	proj, ok := s.project(w, r)
	if !ok {
		return
	}
	st := s.jobs.status(proj.ID)
	if st == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no job"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleEvents streams the progress of the current job as server-sent
// events. The stream ends with a "done" event carrying the job status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	proj, ok := s.project(w, r)
	if !ok {
		return
	}
	j := s.jobs.get(proj.ID)
	if j == nil {
		http.Error(w, "no job", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe := j.stream.Subscribe(32)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if last, seen := j.stream.Last(); seen && !j.stream.Closed() {
		writeEvent(w, "progress", last)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				writeEvent(w, "done", j.status())
				flusher.Flush()
				return
			}
			writeEvent(w, "progress", ev)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}
