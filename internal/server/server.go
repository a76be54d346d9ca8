// Package server is the dashboard: project overviews, background clustering
// and analysis runs with live progress, reports and user administration.
package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"github.com/TobiSchelling/KeywordPlanner/internal/database"
	"github.com/TobiSchelling/KeywordPlanner/internal/notify"
	"github.com/TobiSchelling/KeywordPlanner/internal/pipeline"
	"github.com/TobiSchelling/KeywordPlanner/internal/report"
	"github.com/TobiSchelling/KeywordPlanner/internal/users"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

const reportCacheSize = 32

// Options wires the server to the rest of the application.
type Options struct {
	Pipeline *pipeline.Pipeline
	DB       *database.DB
	// Users enables login when set; without it every page is open.
	Users *users.Service
	// Notes receives the notifications shown on project pages.
	Notes          *notify.Collector
	Registry       *prometheus.Registry
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Server is the HTTP dashboard.
type Server struct {
	pipeline *pipeline.Pipeline
	db       *database.DB
	users    *users.Service
	notes    *notify.Collector
	registry *prometheus.Registry
	logger   *zap.Logger

	pages    map[string]*template.Template
	router   chi.Router
	jobs     *jobs
	sessions *sessions
	reports  *lru.Cache[string, *report.Report]
	origins  []string
}

// New creates a Server.
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"comma":    func(v int) string { return humanize.Comma(int64(v)) },
		"ago":      humanize.Time,
		"percent":  func(v float64) string { return fmt.Sprintf("%.0f%%", v) },
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so their "title" and "content"
	// blocks do not collide.
	pageNames := []string{"index.html", "project.html", "report.html", "login.html", "register.html", "users.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	reports, err := lru.New[string, *report.Report](reportCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		pipeline: opts.Pipeline,
		db:       opts.DB,
		users:    opts.Users,
		notes:    opts.Notes,
		registry: opts.Registry,
		logger:   opts.Logger,
		pages:    pages,
		jobs:     newJobs(opts.Logger),
		sessions: newSessions(sessionTTL),
		reports:  reports,
		origins:  opts.AllowedOrigins,
	}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close cancels running jobs.
func (s *Server) Close() {
	s.jobs.cancelAll()
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(s.logger))

	staticSub, _ := fs.Sub(staticFS, "static")
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	if s.users != nil {
		r.Get("/login", s.handleLoginPage)
		r.Post("/login", s.handleLogin)
		r.Get("/register", s.handleRegisterPage)
		r.Post("/register", s.handleRegister)
		r.Post("/logout", s.handleLogout)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)

		r.Get("/", s.handleIndex)
		r.Route("/projects/{ref}", func(r chi.Router) {
			r.Get("/", s.handleProject)
			r.Post("/jobs/{kind}", s.handleStartJob)
			r.Post("/jobs/cancel", s.handleCancelJob)
			r.Get("/events", s.handleEvents)
			r.Get("/report", s.handleReport)
			r.Get("/export.csv", s.handleExport)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/users", s.handleUsers)
			r.Post("/users/{id}/{action}", s.handleUserAction)
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet},
			MaxAge:         300,
		}))
		r.Use(s.requireUser)
		r.Get("/stats", s.handleStats)
		r.Get("/projects/{ref}", s.handleProjectJSON)
		r.Get("/projects/{ref}/job", s.handleJobJSON)
	})

	s.router = r
}

func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())))
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type projectRow struct {
	Project *database.Project
	Summary *pipeline.Summary
	Job     *jobStatus
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	projects, err := s.db.ListProjects()
	if err != nil {
		s.serverError(w, "listing projects", err)
		return
	}

	rows := make([]projectRow, 0, len(projects))
	for i := range projects {
		p := &projects[i]
		summary, err := s.pipeline.Summary(p.ID)
		if err != nil {
			s.logger.Warn("summarizing project", zap.String("project", p.Name), zap.Error(err))
			continue
		}
		rows = append(rows, projectRow{Project: p, Summary: summary, Job: s.jobs.status(p.ID)})
	}

	s.render(w, r, "index.html", map[string]any{"Projects": rows})
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	summary, ok := s.summary(w, r)
	if !ok {
		return
	}
	id := summary.Project.ID

	kws, err := s.db.GetKeywords(id)
	if err != nil {
		s.serverError(w, "loading keywords", err)
		return
	}
	clusters, err := s.db.GetClusters(id)
	if err != nil {
		s.serverError(w, "loading clusters", err)
		return
	}
	analyses, err := s.db.GetAnalyses(id)
	if err != nil {
		s.serverError(w, "loading analyses", err)
		return
	}
	signals, err := s.db.GetSerpSignals(id)
	if err != nil {
		s.serverError(w, "loading search signals", err)
		return
	}
	kgr := make(map[string]float64, len(signals))
	for text, sig := range signals {
		if sig.KGR != nil {
			kgr[text] = *sig.KGR
		}
	}

	var notes []notify.Notification
	if s.notes != nil {
		notes = s.notes.Items()
	}

	s.render(w, r, "project.html", map[string]any{
		"Summary":  summary,
		"Clusters": clusters,
		"Table":    report.KeywordTable(kws, summary.Context, analyses, kgr),
		"Job":      s.jobs.status(id),
		"Notes":    notes,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	proj, ok := s.project(w, r)
	if !ok {
		return
	}

	key := proj.ID + "@" + proj.UpdatedAt.Format(time.RFC3339Nano)
	rep, cached := s.reports.Get(key)
	if !cached || r.URL.Query().Has("refresh") {
		var err error
		rep, err = s.pipeline.Report(r.Context(), proj.ID)
		if err != nil {
			s.serverError(w, "composing report", err)
			return
		}
		s.reports.Add(key, rep)
	}

	if r.URL.Query().Get("format") == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", proj.Name+".md"))
		fmt.Fprint(w, rep.Markdown())
		return
	}
	s.render(w, r, "report.html", map[string]any{"Project": proj, "Report": rep})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	proj, ok := s.project(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := s.pipeline.ExportCSV(proj.ID, &buf); err != nil {
		s.serverError(w, "exporting csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", proj.Name+".csv"))
	w.Write(buf.Bytes())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats()
	if err != nil {
		s.serverError(w, "reading stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleProjectJSON(w http.ResponseWriter, r *http.Request) {
	summary, ok := s.summary(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       summary.Project.ID,
		"name":     summary.Project.Name,
		"context":  summary.Context,
		"stats":    summary.Stats,
		"clusters": summary.Clusters,
		"analyses": summary.Analyses,
		"signals":  summary.Signals,
		"rising":   summary.Rising,
	})
}

// project resolves the {ref} URL parameter, answering 404 when unknown.
func (s *Server) project(w http.ResponseWriter, r *http.Request) (*database.Project, bool) {
	proj, err := s.pipeline.Project(chi.URLParam(r, "ref"))
	if errors.Is(err, pipeline.ErrProjectNotFound) || errors.Is(err, pipeline.ErrNoProject) {
		http.NotFound(w, r)
		return nil, false
	}
	if err != nil {
		s.serverError(w, "resolving project", err)
		return nil, false
	}
	return proj, true
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) (*pipeline.Summary, bool) {
	proj, ok := s.project(w, r)
	if !ok {
		return nil, false
	}
	summary, err := s.pipeline.Summary(proj.ID)
	if err != nil {
		s.serverError(w, "summarizing project", err)
		return nil, false
	}
	return summary, true
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, name string, data map[string]any) {
	s.renderStatus(w, r, http.StatusOK, name, data)
}

func (s *Server) renderStatus(w http.ResponseWriter, r *http.Request, status int, name string, data map[string]any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.serverError(w, "template not found", errors.New(name))
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["User"] = currentUser(r.Context())
	data["AuthEnabled"] = s.users != nil

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		s.serverError(w, "rendering "+name, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func (s *Server) serverError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve runs the server on the given port until ctx is cancelled.
func Serve(ctx context.Context, opts Options, port int) error {
	srv, err := New(opts)
	if err != nil {
		return err
	}
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.logger.Info("server listening", zap.String("url", "http://"+httpSrv.Addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}
