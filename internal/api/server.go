// Package api provides the REST and WebSocket monitoring API.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tos-network/apow-miner/internal/config"
	"github.com/tos-network/apow-miner/internal/engine"
	"github.com/tos-network/apow-miner/internal/gpu"
	"github.com/tos-network/apow-miner/internal/miner"
	"github.com/tos-network/apow-miner/internal/storage"
	"github.com/tos-network/apow-miner/internal/util"
)

const (
	defaultSolutionLimit = 50
	maxSolutionLimit     = 1000
	maxHashrateWindow    = 7 * 24 * time.Hour
)

// Engine is the part of the mining engine the API reads and drives
type Engine interface {
	Snapshot() engine.Snapshot
	Devices() []gpu.Device
	RecentSolutions(limit int64) ([]*storage.Solution, error)
	HashrateHistory(window time.Duration) ([]*storage.StatsSample, error)
	Dataset(epoch uint32) (*storage.DatasetRecord, error)
	SubmitJob(job *miner.Job) error
	RecordShare(jobID, nonce string, accepted bool) error
}

// Server is the API server
type Server struct {
	cfg    *config.APIConfig
	engine Engine
	router *gin.Engine
	server *http.Server

	clients   sync.Map // clientID -> *wsClient
	clientSeq uint64
	events    chan SolutionEvent
	quit      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// StatsResponse is the /api/stats response
type StatsResponse struct {
	engine.Snapshot
	HashrateHuman string `json:"hashrateHuman"`
	DAGSizeHuman  string `json:"dagSizeHuman"`
	Now           int64  `json:"now"`
}

// DeviceResponse is a device in the /api/devices list
type DeviceResponse struct {
	gpu.Device
	MemoryHuman string `json:"memoryHuman"`
	Active      bool   `json:"active"`
}

// JobRequest is the POST /api/job body. Hashes and compact bits are hex;
// a zero or missing target is derived from bits.
type JobRequest struct {
	ID         string `json:"job_id" binding:"required"`
	PrevHash   string `json:"prev_hash"`
	MerkleRoot string `json:"merkle_root"`
	Time       uint32 `json:"time"`
	Bits       string `json:"bits"`
	Target     string `json:"target"`
	// StartNonce moves the nonce cursor when the job is picked up
	StartNonce string `json:"start_nonce"`
}

// ShareRequest is the POST /api/shares body
type ShareRequest struct {
	JobID    string `json:"job_id" binding:"required"`
	Nonce    string `json:"nonce"`
	Accepted bool   `json:"accepted"`
}

// NewServer creates a new API server
func NewServer(cfg *config.APIConfig, eng Engine) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		engine: eng,
		router: router,
		events: make(chan SolutionEvent, solutionQueueSize),
		quit:   make(chan struct{}),
	}

	s.setupRoutes()

	s.wg.Add(1)
	go s.broadcastLoop()
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures API endpoints
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware())

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "state": s.engine.Snapshot().State})
	})

	api := s.router.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/devices", s.handleDevices)
		api.GET("/solutions", s.handleSolutions)
		api.GET("/hashrate", s.handleHashrate)
		api.GET("/datasets/:epoch", s.handleDataset)
	}

	// Job and share intake change what the device mines, so they sit
	// behind the token when one is configured
	control := s.router.Group("/api")
	if s.cfg.Token != "" {
		control.Use(s.authMiddleware())
	}
	{
		control.POST("/job", s.handleJob)
		control.POST("/shares", s.handleShare)
	}

	s.router.GET("/ws/stats", s.handleWebSocket)
}

// Start begins the API server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server and its WebSocket clients
func (s *Server) Stop() error {
	s.stopOnce.Do(func() { close(s.quit) })

	var err error
	if s.server != nil {
		err = s.server.Close()
	}
	s.clients.Range(func(key, value interface{}) bool {
		value.(*wsClient).conn.Close()
		return true
	})
	s.wg.Wait()
	return err
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowed := make(map[string]bool, len(s.cfg.CORSOrigins))
	for _, o := range s.cfg.CORSOrigins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := "*"
		if len(allowed) > 0 && !allowed["*"] {
			origin = c.GetHeader("Origin")
			if !allowed[origin] {
				origin = ""
			}
		}
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// authMiddleware validates the API token
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(401, gin.H{"error": "Authorization required"})
			c.Abort()
			return
		}

		// Support both "Bearer <token>" and the plain token
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != s.cfg.Token {
			c.JSON(403, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) buildStats() *StatsResponse {
	snap := s.engine.Snapshot()
	return &StatsResponse{
		Snapshot:      snap,
		HashrateHuman: util.HumanHashrate(snap.Hashrate),
		DAGSizeHuman:  util.HumanBytes(snap.DAGSize),
		Now:           time.Now().Unix(),
	}
}

// handleStats returns the latest engine snapshot
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(200, s.buildStats())
}

// handleDevices lists every enumerated device and marks the one in use
func (s *Server) handleDevices(c *gin.Context) {
	active := s.engine.Snapshot().DeviceID
	devices := s.engine.Devices()

	out := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceResponse{
			Device:      d,
			MemoryHuman: util.HumanBytes(d.Memory),
			Active:      d.ID == active,
		})
	}
	c.JSON(200, gin.H{"devices": out, "total": len(out)})
}

// handleSolutions returns the solution journal, newest first
func (s *Server) handleSolutions(c *gin.Context) {
	limit := int64(defaultSolutionLimit)
	if v, err := strconv.ParseInt(c.Query("limit"), 10, 64); err == nil && v > 0 {
		limit = v
	}
	if limit > maxSolutionLimit {
		limit = maxSolutionLimit
	}

	solutions, err := s.engine.RecentSolutions(limit)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get solutions"})
		return
	}
	if solutions == nil {
		solutions = []*storage.Solution{}
	}
	c.JSON(200, gin.H{"solutions": solutions, "limit": limit})
}

// handleHashrate returns stats samples and their average over a window
func (s *Server) handleHashrate(c *gin.Context) {
	window := 24 * time.Hour
	if d, err := parseWindow(c.DefaultQuery("window", "24h")); err == nil {
		window = d
	}
	if window > maxHashrateWindow {
		window = maxHashrateWindow
	}

	samples, err := s.engine.HashrateHistory(window)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get hashrate history"})
		return
	}
	if samples == nil {
		samples = []*storage.StatsSample{}
	}

	c.JSON(200, gin.H{
		"window":  window.String(),
		"average": storage.AverageHashrate(samples),
		"points":  samples,
	})
}

// handleDataset returns the generation record of one epoch's dataset
func (s *Server) handleDataset(c *gin.Context) {
	ep, err := strconv.ParseUint(c.Param("epoch"), 10, 32)
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid epoch"})
		return
	}

	rec, err := s.engine.Dataset(uint32(ep))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(404, gin.H{"error": "Dataset not generated"})
		return
	}
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get dataset"})
		return
	}
	c.JSON(200, rec)
}

// parseWindow accepts a Go duration or a bare number of hours
func parseWindow(s string) (time.Duration, error) {
	if hours, err := strconv.Atoi(s); err == nil {
		s = strconv.Itoa(hours) + "h"
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, strconv.ErrRange
	}
	return d, nil
}

// handleJob hands a new job to the engine
func (s *Server) handleJob(c *gin.Context) {
	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request"})
		return
	}

	job, err := req.toJob()
	if err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.SubmitJob(job); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	util.Infof("API: job %s submitted", job.ID)
	c.JSON(200, gin.H{
		"status": "ok",
		"job_id": job.ID,
		"target": util.Uint64ToHex(job.EffectiveTarget()),
	})
}

func (r *JobRequest) toJob() (*miner.Job, error) {
	job := &miner.Job{ID: r.ID, Time: r.Time}
	if job.Time == 0 {
		job.Time = uint32(time.Now().Unix())
	}

	var err error
	if r.PrevHash != "" {
		if job.PrevHash, err = util.HexToHash32(r.PrevHash); err != nil {
			return nil, errBadField("prev_hash", err)
		}
	}
	if r.MerkleRoot != "" {
		if job.MerkleRoot, err = util.HexToHash32(r.MerkleRoot); err != nil {
			return nil, errBadField("merkle_root", err)
		}
	}
	if r.Bits != "" {
		if job.Bits, err = util.HexToUint32(r.Bits); err != nil {
			return nil, errBadField("bits", err)
		}
	}
	if r.Target != "" {
		if job.Target, err = util.HexToUint64(r.Target); err != nil {
			return nil, errBadField("target", err)
		}
	}
	if r.StartNonce != "" {
		n, err := util.HexToUint64(r.StartNonce)
		if err != nil {
			return nil, errBadField("start_nonce", err)
		}
		job.StartNonce = &n
	}
	return job, nil
}

// handleShare forwards the job source's verdict on a solution
func (s *Server) handleShare(c *gin.Context) {
	var req ShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request"})
		return
	}

	nonce := ""
	if req.Nonce != "" {
		n, err := util.HexToUint64(req.Nonce)
		if err != nil {
			c.JSON(400, gin.H{"error": errBadField("nonce", err).Error()})
			return
		}
		nonce = util.NonceToHex(n)
	}

	if err := s.engine.RecordShare(req.JobID, nonce, req.Accepted); err != nil {
		c.JSON(503, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"status": "ok"})
}

type fieldError struct {
	field string
	err   error
}

func (e *fieldError) Error() string {
	return "invalid " + e.field + ": " + e.err.Error()
}

func (e *fieldError) Unwrap() error {
	return e.err
}

func errBadField(field string, err error) error {
	return &fieldError{field: field, err: err}
}
