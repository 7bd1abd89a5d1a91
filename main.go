package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chsahit/metric-sam3d/appconfig"
	"github.com/chsahit/metric-sam3d/archive"
	"github.com/chsahit/metric-sam3d/auth"
	"github.com/chsahit/metric-sam3d/capture"
	depspkg "github.com/chsahit/metric-sam3d/deps"
	"github.com/chsahit/metric-sam3d/export"
	"github.com/chsahit/metric-sam3d/jobqueue"
	"github.com/chsahit/metric-sam3d/manifest"
	"github.com/chsahit/metric-sam3d/platform"
	"github.com/chsahit/metric-sam3d/runners"
	"github.com/chsahit/metric-sam3d/stages"
	"github.com/chsahit/metric-sam3d/stream"
)

// Multipart uploads are RGB-D captures with a handful of PNGs; 256MB
// of form memory covers any real capture before spilling to disk.
const maxUploadMemory = 256 << 20

// How many trailing log lines a failed run reports back to the caller.
const logTailLines = 40

// -----------------------------------------------------------------------------
// http server so we can shut it down cleanly on SIGTERM.
// -----------------------------------------------------------------------------
var srv *http.Server

// Global dependencies variable so we can access it from the shutdown path
var deps *Dependencies

// Keep a copy of the currently loaded config in memory
var currentConfig appconfig.Config

// Global runners instance so we can shut it down when switching databases
var currentRunners *runners.Runners

// -----------------------------------------------------------------------------
// Dependencies struct to hold shared dependencies
// -----------------------------------------------------------------------------
type Dependencies struct {
	Queue    *jobqueue.Queue
	DB       *sql.DB
	Auth     *auth.Service
	Uploader *export.Uploader
	Runs     *runStore
}

// -----------------------------------------------------------------------------
// In-flight run tracking. The queue only knows stage and run IDs; the
// loaded capture, manifest, and output paths for each active run live
// here so the stage handler can reach them.
// -----------------------------------------------------------------------------

type serverRun struct {
	id         string
	captureDir string
	outputDir  string
	run        *stages.Run
	ctx        context.Context
	cancel     context.CancelFunc
}

type runStore struct {
	mu   sync.Mutex
	runs map[string]*serverRun
}

func newRunStore() *runStore {
	return &runStore{runs: make(map[string]*serverRun)}
}

func (s *runStore) put(sr *serverRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[sr.id] = sr
}

func (s *runStore) get(id string) *serverRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *runStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, id)
}

// -----------------------------------------------------------------------------
// Database initialization
// -----------------------------------------------------------------------------

// switchDatabase switches the application's active database and queue to the provided path
func switchDatabase(newDBPath string) error {
	if newDBPath == "" {
		return fmt.Errorf("newDBPath cannot be empty")
	}

	log.Printf("Switching database to: %s", newDBPath)

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(newDBPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %v", err)
	}

	// Open and ping the new DB first to validate
	newDB, err := sql.Open("sqlite", newDBPath)
	if err != nil {
		return fmt.Errorf("failed to open new database: %v", err)
	}
	if err := newDB.Ping(); err != nil {
		newDB.Close()
		return fmt.Errorf("failed to ping new database: %v", err)
	}

	// Prepare a new queue backed by the new DB
	newQueue := jobqueue.NewQueueWithDB(newDB)

	// Shut down old runners first if they exist
	if currentRunners != nil {
		log.Println("Shutting down old runners...")
		currentRunners.Shutdown()
		log.Println("Old runners shut down successfully")
	}

	// Swap dependencies (this updates the global deps pointer that all handlers reference)
	oldDB := deps.DB
	deps.DB = newDB
	deps.Queue = newQueue

	// Start new runners for the new queue
	log.Println("Starting new runners for new queue...")
	currentRunners = runners.New(newQueue, makeStageHandler(deps.Runs))
	log.Printf("New runners started. Current jobs in new queue: %d", len(newQueue.GetJobs()))

	// Close the old DB last
	if oldDB != nil {
		log.Println("Closing old database connection...")
		_ = oldDB.Close()
	}

	log.Printf("Database switch complete. Now using: %s", newDBPath)
	return nil
}

func initDB() (*sql.DB, error) {
	// Load config (creates default config if doesn't exist)
	cfg, _, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	currentConfig = cfg
	appconfig.Set(cfg)
	dbPath := cfg.DBPath
	log.Printf("Using database path from config: %s", dbPath)

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	log.Printf("Connected to SQLite database at: %s", dbPath)
	return db, nil
}

// -----------------------------------------------------------------------------
// Stage execution. Each queued job is one pipeline stage of a run; the
// handler looks up the run state and executes the stage, streaming its
// output into the job's stdout.
// -----------------------------------------------------------------------------

func makeStageHandler(store *runStore) runners.Handler {
	return func(j *jobqueue.Job, q *jobqueue.Queue) error {
		sr := store.get(j.RunID)
		if sr == nil {
			q.PushJobStdout(j.ID, "Unknown run: "+j.RunID)
			return fmt.Errorf("unknown run %s", j.RunID)
		}

		stage, err := stages.Get(j.Stage)
		if err != nil {
			q.PushJobStdout(j.ID, err.Error())
			return err
		}

		// Cancel the stage when either the run deadline passes or the
		// job itself is cancelled.
		ctx, cancel := context.WithCancel(sr.ctx)
		defer cancel()
		go func() {
			select {
			case <-j.Ctx.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		run := *sr.run
		run.Log = func(line string) {
			_ = q.PushJobStdout(j.ID, line)
		}

		if err := stage.Fn(ctx, &run); err != nil {
			q.PushJobStdout(j.ID, "Stage failed: "+err.Error())
			return err
		}

		return q.CompleteJob(j.ID)
	}
}

// -----------------------------------------------------------------------------
// HTTP handlers
// -----------------------------------------------------------------------------

func writeJSONError(w http.ResponseWriter, status int, msg string, extra map[string]any) {
	body := map[string]any{"error": msg}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func logTail(lines []string) []string {
	if len(lines) <= logTailLines {
		return lines
	}
	return lines[len(lines)-logTailLines:]
}

// runHandler accepts a capture archive, runs the pipeline on it, and
// responds with a zip of the results directory. With segment=true the
// auto-segmentation stage runs first.
func runHandler(deps *Dependencies, segment bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}

		if segment && os.Getenv("OPENAI_API_KEY") == "" {
			writeJSONError(w, http.StatusBadRequest, "OPENAI_API_KEY is not set; auto-segmentation is unavailable", nil)
			return
		}

		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error(), nil)
			return
		}

		file, header, err := r.FormFile("capture_zip")
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "capture_zip form file is required", nil)
			return
		}
		defer file.Close()

		device := currentConfig.DefaultDevice
		if v := r.FormValue("device"); v != "" {
			device, err = strconv.Atoi(v)
			if err != nil || device < 0 {
				writeJSONError(w, http.StatusBadRequest, "device must be a non-negative integer", nil)
				return
			}
		}

		runID := uuid.New().String()
		runDir := filepath.Join(currentConfig.RunsPath, runID)
		captureDir := filepath.Join(runDir, "capture")
		outputDir := filepath.Join(runDir, "output")
		if err := os.MkdirAll(captureDir, 0755); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to create run directory: "+err.Error(), nil)
			return
		}
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to create run directory: "+err.Error(), nil)
			return
		}

		// Stage the upload in the server temp dir so extraction can
		// seek; the archive itself is not a run artifact.
		name := filepath.Base(header.Filename)
		if name == "" || name == "." || name == string(os.PathSeparator) {
			name = "capture.zip"
		}
		tmpDir := platform.GetTempDir()
		if err := os.MkdirAll(tmpDir, 0700); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to create temp directory: "+err.Error(), nil)
			return
		}
		archivePath := filepath.Join(tmpDir, runID+"-"+name)
		defer os.Remove(archivePath)
		out, err := os.Create(archivePath)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to store upload: "+err.Error(), nil)
			return
		}
		if _, err := io.Copy(out, file); err != nil {
			out.Close()
			writeJSONError(w, http.StatusInternalServerError, "failed to store upload: "+err.Error(), nil)
			return
		}
		out.Close()

		if err := archive.ExtractAuto(archivePath, captureDir, nil); err != nil {
			writeJSONError(w, http.StatusBadRequest, "failed to extract capture archive: "+err.Error(), nil)
			return
		}
		if err := archive.FlattenSingleDir(captureDir); err != nil {
			writeJSONError(w, http.StatusBadRequest, "failed to normalize capture folder: "+err.Error(), nil)
			return
		}

		c, err := capture.Load(captureDir)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid capture: "+err.Error(), nil)
			return
		}
		if !segment {
			if err := c.RequireMasks(); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid capture: "+err.Error(), nil)
				return
			}
		}

		m := manifest.New(runID, c, outputDir, device)
		if err := m.Save(); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to write manifest: "+err.Error(), nil)
			return
		}

		order := stages.Order
		if segment {
			order = append([]string{stages.SegmentStage}, order...)
		}

		timeout := time.Duration(currentConfig.TimeoutMinutes) * time.Minute
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		sr := &serverRun{
			id:         runID,
			captureDir: captureDir,
			outputDir:  outputDir,
			ctx:        ctx,
			cancel:     cancel,
			run: &stages.Run{
				Config:        currentConfig,
				Capture:       c,
				Manifest:      m,
				OutputDir:     outputDir,
				Device:        device,
				EstRefineIter: currentConfig.EstRefineIter,
			},
		}
		deps.Runs.put(sr)
		defer deps.Runs.remove(runID)

		jobIDs, err := deps.Queue.AddStageChain(runID, "cuda:"+strconv.Itoa(device), order)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to enqueue run: "+err.Error(), nil)
			return
		}
		log.Printf("Run %s: %d stages enqueued on device %d", runID, len(jobIDs), device)

		if err := waitForRun(ctx, deps.Queue, jobIDs); err != nil {
			if ctx.Err() != nil {
				for _, id := range jobIDs {
					_ = deps.Queue.CancelJob(id)
				}
				writeJSONError(w, http.StatusGatewayTimeout,
					fmt.Sprintf("run exceeded the %d minute timeout", currentConfig.TimeoutMinutes),
					map[string]any{"run_id": runID})
				return
			}

			se := err.(*stageError)
			failed := deps.Queue.GetJob(se.jobID)
			extra := map[string]any{"run_id": runID, "stage": se.stage}
			if failed != nil {
				extra["log_tail"] = logTail(failed.Stdout)
			}
			writeJSONError(w, http.StatusInternalServerError, err.Error(), extra)
			return
		}

		// Package results
		zipPath := filepath.Join(runDir, "results.zip")
		zf, err := os.Create(zipPath)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to package results: "+err.Error(), nil)
			return
		}
		if err := archive.ZipDir(sr.run.ResultsDir(), zf); err != nil {
			zf.Close()
			writeJSONError(w, http.StatusInternalServerError, "failed to package results: "+err.Error(), nil)
			return
		}
		zf.Close()

		if deps.Uploader != nil {
			keys, err := deps.Uploader.UploadRun(r.Context(), runID, zipPath, m.Path())
			if err != nil {
				log.Printf("Run %s: export failed: %v", runID, err)
			} else {
				log.Printf("Run %s: exported %s", runID, strings.Join(keys, ", "))
			}
		}

		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", runID+".zip"))
		w.Header().Set("X-Run-Id", runID)
		http.ServeFile(w, r, zipPath)
	}
}

type stageError struct {
	stage string
	jobID string
	state jobqueue.JobState
}

func (e *stageError) Error() string {
	return fmt.Sprintf("stage %s %s", e.stage, strings.ToLower(e.state.String()))
}

// waitForRun blocks until every job in the chain completes, any job
// fails, or the context expires.
func waitForRun(ctx context.Context, q *jobqueue.Queue, jobIDs []string) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done := true
			for _, id := range jobIDs {
				job := q.GetJob(id)
				if job == nil {
					return &stageError{stage: "unknown", jobID: id, state: jobqueue.StateError}
				}
				switch job.State {
				case jobqueue.StateError, jobqueue.StateCancelled:
					return &stageError{stage: job.Stage, jobID: id, state: job.State}
				case jobqueue.StateCompleted:
				default:
					done = false
				}
			}
			if done {
				return nil
			}
		}
	}
}

func jobsListHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		jobs := deps.Queue.GetJobs()
		if runID := r.URL.Query().Get("run"); runID != "" {
			jobs = deps.Queue.GetRunJobs(runID)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(jobs); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func jobDetailHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := deps.Queue.GetJob(r.PathValue("id"))
		if job == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"job":    job,
			"stdout": job.Stdout,
		}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func cancelHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		deps.Queue.CancelJob(r.PathValue("id"))

		// Send successful response
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Job cancelled successfully"))
	}
}

func retryHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		newID, err := deps.Queue.RetryJob(r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		// Send successful response with new job ID
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": newID, "message": "Job retried successfully"})
	}
}

func removeHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		if err := deps.Queue.RemoveJob(r.PathValue("id")); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		// Send successful response
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Job removed successfully"))
	}
}

func clearNonRunningJobsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}

		clearedCount, err := deps.Queue.ClearNonRunningJobs()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"cleared_count": clearedCount,
			"message":       fmt.Sprintf("Cleared %d non-running jobs", clearedCount),
		})
	}
}

func readJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// healthHandler provides system health information including stream
// connections and external dependency status
func healthHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Set fully permissive CORS headers
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "86400")

		// Handle preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}

		// Get stream connection statistics
		streamStats := stream.GetConnectionStats()

		// Get job queue statistics
		jobs := deps.Queue.GetJobs()
		jobStats := map[string]int{
			"total":       len(jobs),
			"pending":     0,
			"in_progress": 0,
			"completed":   0,
			"cancelled":   0,
			"error":       0,
		}

		for _, job := range jobs {
			switch job.State {
			case jobqueue.StatePending:
				jobStats["pending"]++
			case jobqueue.StateInProgress:
				jobStats["in_progress"]++
			case jobqueue.StateCompleted:
				jobStats["completed"]++
			case jobqueue.StateCancelled:
				jobStats["cancelled"]++
			case jobqueue.StateError:
				jobStats["error"]++
			}
		}

		checkCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		dependencies := depspkg.Report(checkCtx)

		status := "healthy"
		if depspkg.CheckAnyMissing(checkCtx) {
			status = "degraded"
		}

		health := map[string]interface{}{
			"status":       status,
			"timestamp":    time.Now().Unix(),
			"stream":       streamStats,
			"jobs":         jobStats,
			"dependencies": dependencies,
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(health); err != nil {
			log.Printf("Error encoding health response: %v", err)
		}
	}
}

type loginRequest struct {
	Password string `json:"password"`
}

func loginHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}

		var req loginRequest
		if err := readJSONBody(r, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		token, err := deps.Auth.Login(req.Password)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     "token",
			Value:    token,
			Path:     "/",
			HttpOnly: true,
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
	}
}

func configHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			cfg, cfgPath, err := appconfig.Load()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			currentConfig = cfg
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"config":     cfg,
				"configPath": cfgPath,
			})
		case http.MethodPost:
			newCfg := currentConfig
			if err := readJSONBody(r, &newCfg); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			newCfg.DBPath = strings.TrimSpace(newCfg.DBPath)
			if newCfg.DBPath == "" {
				http.Error(w, "dbPath cannot be empty", http.StatusBadRequest)
				return
			}

			oldDBPath := currentConfig.DBPath
			cfgPath, err := appconfig.Save(newCfg)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			dbChanged := newCfg.DBPath != oldDBPath
			if dbChanged {
				if err := switchDatabase(newCfg.DBPath); err != nil {
					http.Error(w, "failed to switch database: "+err.Error(), http.StatusInternalServerError)
					return
				}
			}
			currentConfig = newCfg
			appconfig.Set(newCfg)

			// Tool paths may have moved; rebuild the dependency checks
			depspkg.RegisterAll(newCfg)

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":     "ok",
				"configPath": cfgPath,
				"dbChanged":  dbChanged,
			})
		default:
			http.Error(w, "Use GET or POST", http.StatusMethodNotAllowed)
		}
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

// authGate protects everything except the login and health endpoints.
func authGate(svc *auth.Service, next http.Handler) http.Handler {
	open := map[string]bool{
		"/login":  true,
		"/health": true,
	}
	protected := svc.Middleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if open[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		protected.ServeHTTP(w, r)
	})
}

func main() {
	// ––– initialize database –––
	db, err := initDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// ––– job queue and runners –––
	log.Println("Initializing job queue with database persistence...")
	queue := jobqueue.NewQueueWithDB(db)
	log.Printf("Job queue initialized. Current jobs: %d", len(queue.GetJobs()))

	store := newRunStore()

	// ––– create dependencies struct –––
	deps = &Dependencies{
		Queue: queue,
		DB:    db,
		Auth:  auth.New(currentConfig.APIPasswordHash, currentConfig.JWTSecret),
		Runs:  store,
	}

	currentRunners = runners.New(queue, makeStageHandler(store))

	// ––– check external tool checkouts –––
	log.Println("Checking external dependencies...")
	depspkg.RegisterAll(currentConfig)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	missing := depspkg.GetMissingRequired(ctx)
	cancel()
	for _, dep := range missing {
		log.Printf("Missing dependency %s: %s", dep.Name, dep.InstallHint)
	}
	if len(missing) == 0 {
		log.Println("All external dependencies are installed")
	}

	// ––– optional S3 export –––
	if export.Enabled(currentConfig) {
		uploader, err := export.New(context.Background(), currentConfig)
		if err != nil {
			log.Printf("Export disabled: %v", err)
		} else {
			deps.Uploader = uploader
			log.Printf("Exporting results to s3://%s", currentConfig.S3Bucket)
		}
	}

	if !deps.Auth.Enabled() {
		log.Println("No API password configured; endpoints are unauthenticated")
	}

	// ––– routes –––
	mux := http.NewServeMux()
	mux.HandleFunc("/metric_sam3d/", runHandler(deps, false))
	mux.HandleFunc("/metric_sam3d_full/", runHandler(deps, true))
	mux.HandleFunc("/jobs", jobsListHandler(deps))
	mux.HandleFunc("/job/{id}", jobDetailHandler(deps))
	mux.HandleFunc("/job/{id}/cancel", cancelHandler(deps))
	mux.HandleFunc("/job/{id}/retry", retryHandler(deps))
	mux.HandleFunc("/job/{id}/remove", removeHandler(deps))
	mux.HandleFunc("/jobs/clear", clearNonRunningJobsHandler(deps))
	mux.HandleFunc("/stream", stream.StreamHandler)
	mux.HandleFunc("/health", healthHandler(deps))
	mux.HandleFunc("/login", loginHandler(deps))
	mux.HandleFunc("/config", configHandler(deps))

	srv = &http.Server{
		Addr:    ":8090",
		Handler: authGate(deps.Auth, mux),
	}

	// start HTTP server in background
	go func() {
		log.Printf("Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metric-sam3d-server: %v", err)
		}
	}()

	// block until SIGINT/SIGTERM
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	shutdown()
}

func shutdown() {
	log.Println("Shutting down metric-sam3d server...")

	// Shutdown runners first to stop processing new jobs
	if currentRunners != nil {
		log.Println("Shutting down job runners...")
		currentRunners.Shutdown()
		log.Println("Job runners shut down successfully")
	}

	// Shutdown stream connections
	log.Println("Shutting down stream connections...")
	stream.Shutdown()

	// Save all jobs to database before shutting down
	if deps != nil && deps.Queue != nil {
		log.Println("Saving job queue to database...")
		if err := deps.Queue.SaveAllJobsToDB(); err != nil {
			log.Printf("Error saving jobs to database: %v", err)
		} else {
			log.Println("Job queue saved successfully")
		}
	}

	// Shutdown HTTP server
	log.Println("Shutting down HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	} else {
		log.Println("HTTP server shutdown complete")
	}

	log.Println("metric-sam3d server shutdown complete")
}
