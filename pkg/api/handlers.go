package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mimir-aip/wardstats/pkg/forecast"
	"github.com/mimir-aip/wardstats/pkg/metadatastore"
	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/query"
	"github.com/mimir-aip/wardstats/pkg/render"
)

// topAreaCount is the number of bars in the top-areas chart
const topAreaCount = 10

func parseMonth(r *http.Request) (models.Month, error) {
	raw := r.URL.Query().Get("month")
	if raw == "" {
		return models.Month{}, nil
	}
	m, err := models.ParseMonth(raw)
	if err != nil {
		return m, fmt.Errorf("%w: %v", query.ErrInvalidRequest, err)
	}
	return m, nil
}

func parseLevel(r *http.Request) (models.Level, error) {
	level, err := models.ParseLevel(r.URL.Query().Get("level"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", query.ErrInvalidRequest, err)
	}
	return level, nil
}

func parseInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", query.ErrInvalidRequest, key)
	}
	return n, nil
}

// mapRequest reads level, month and filter from the query string
func mapRequest(r *http.Request) (query.Request, error) {
	level, err := parseLevel(r)
	if err != nil {
		return query.Request{}, err
	}
	month, err := parseMonth(r)
	if err != nil {
		return query.Request{}, err
	}
	filter, err := query.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		return query.Request{}, err
	}
	return query.Request{Level: level, Month: month, Filter: filter}, nil
}

func (s *Server) handleMonths(w http.ResponseWriter, r *http.Request) {
	months := s.query.Months()
	if months == nil {
		months = []models.Month{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"months": months})
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	month, err := parseMonth(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := parseInt(r, "page")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	size, err := parseInt(r, "page_size")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.query.Incidents(query.IncidentRequest{
		Month:    month,
		Category: r.URL.Query().Get("category"),
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	month, err := parseMonth(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	summary, err := s.query.Summary(month)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	level, err := parseLevel(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	month, err := parseMonth(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.query.Statistics(level, month, r.URL.Query().Get("area"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if stats == nil {
		stats = []models.MonthlyAreaStatistic{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"level": level, "statistics": stats})
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	req, err := mapRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.query.Area(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writePNG renders into a buffer first so a failed render still yields a JSON error
func (s *Server) writePNG(w http.ResponseWriter, r *http.Request, draw func(buf *bytes.Buffer) error) {
	var buf bytes.Buffer
	if err := draw(&buf); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) handleMapImage(w http.ResponseWriter, r *http.Request) {
	req, err := mapRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.query.Area(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	title := fmt.Sprintf("%s by %s, %s", res.ValueColumn, res.Level, res.Month)
	s.writePNG(w, r, func(buf *bytes.Buffer) error {
		return render.Choropleth(buf, title, res, render.Size{})
	})
}

func (s *Server) handleTrendImage(w http.ResponseWriter, r *http.Request) {
	level, err := parseLevel(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	area := r.URL.Query().Get("area")
	stats, err := s.query.Trend(level, area)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var forecasts []models.Forecast
	if level == models.LevelWard {
		all, err := s.query.Forecasts("", forecast.SortNone)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, f := range all {
			if f.WardCode == area {
				forecasts = append(forecasts, f)
			}
		}
	}
	s.writePNG(w, r, func(buf *bytes.Buffer) error {
		return render.Trend(buf, stats[0].AreaName, stats, forecasts, render.Size{})
	})
}

func (s *Server) handleTopImage(w http.ResponseWriter, r *http.Request) {
	month, err := parseMonth(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	summary, err := s.query.Summary(month)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	title := fmt.Sprintf("Highest rates per 1000 residents, %s", summary.Month)
	s.writePNG(w, r, func(buf *bytes.Buffer) error {
		return render.TopAreas(buf, title, summary.Areas, topAreaCount, render.Size{})
	})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	forecasts, err := s.query.Forecasts(r.URL.Query().Get("search"), r.URL.Query().Get("sort"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if forecasts == nil {
		forecasts = []models.Forecast{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"forecasts": forecasts})
}

func (s *Server) handleDeprivation(w http.ResponseWriter, r *http.Request) {
	page, err := parseInt(r, "page")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	size, err := parseInt(r, "page_size")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.query.Deprivation(page, size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleCensus returns one attribute table, or the dataset list when no dataset is named
func (s *Server) handleCensus(w http.ResponseWriter, r *http.Request) {
	level, err := parseLevel(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dataset := r.URL.Query().Get("dataset")
	if dataset == "" {
		datasets := s.query.Datasets(level)
		if datasets == nil {
			datasets = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"level": level, "datasets": datasets})
		return
	}
	table, err := s.query.Census(dataset, level)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	month, err := parseMonth(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := s.query.Export(&buf, month); err != nil {
		s.writeError(w, r, err)
		return
	}
	name := "ward_statistics.xlsx"
	if !month.IsZero() {
		name = fmt.Sprintf("ward_statistics_%s.xlsx", month)
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// handleRuns lists recent pipeline runs, newest first
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, r, fmt.Errorf("%w: run history is not available", models.ErrNotFound))
		return
	}
	limit, err := parseInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit == 0 {
		limit = 20
	}
	runs, err := s.runs.ListRuns(limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleRun returns one pipeline run with its load outcomes
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, r, fmt.Errorf("%w: run history is not available", models.ErrNotFound))
		return
	}
	run, err := s.runs.GetRun(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, metadatastore.ErrRunNotFound) {
			err = fmt.Errorf("%w: %v", models.ErrNotFound, err)
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
