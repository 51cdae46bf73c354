package api

import (
	"net/http"
	"time"

	"github.com/tickerd/tickerd/internal/buildinfo"
)

// systemInfo is the GET /api/v1/system/info response.
type systemInfo struct {
	Version       string `json:"version"`
	GitCommit     string `json:"git_commit"`
	BuildTime     string `json:"build_time"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	PooledCodes   int    `json:"pooled_codes"`
	CachedQuotes  int    `json:"cached_quotes"`
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, systemInfo{
		Version:       buildinfo.Version,
		GitCommit:     buildinfo.GitCommit,
		BuildTime:     buildinfo.BuildTime,
		UptimeSeconds: int64(time.Since(s.startedAt) / time.Second),
		PooledCodes:   s.pool.Len(),
		CachedQuotes:  s.cache.Len(),
	})
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.metrics.Snapshot())
}
