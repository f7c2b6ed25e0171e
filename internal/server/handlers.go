package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tablex-io/tablex/internal/accounts"
	"github.com/tablex-io/tablex/internal/pipeline"
	"github.com/tablex-io/tablex/internal/rasterize"
	"github.com/tablex-io/tablex/internal/table"
)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// extractResponse is the reply to a successful extraction request
type extractResponse struct {
	Message         string   `json:"message"`
	RunID           string   `json:"run_id"`
	Pages           int      `json:"pages"`
	APICalls        int      `json:"api_calls"`
	TotalTokenCount int      `json:"total_token_count"`
	Rows            int      `json:"rows"`
	Columns         []string `json:"columns"`
	ExcelPath       string   `json:"excel_path,omitempty"`
	ExportError     string   `json:"export_error,omitempty"`
	UsageWarning    string   `json:"usage_warning,omitempty"`
}

// handleExtract accepts a PDF upload and runs the full extraction pipeline:
// rasterize, per-page model extraction, table assembly, spreadsheet export.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request, username string) {
	// Max 50MB to handle large scanned statements
	maxFormSize := int64(50 << 20)
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	pages, err := s.rasterize(data)
	if err != nil {
		slog.Error("Error rasterizing document", "filename", header.Filename, "error", err)
		if errors.Is(err, rasterize.ErrDocumentOpen) {
			writeError(w, http.StatusBadRequest, "Failed to open the document. Is it a valid PDF?")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to preprocess the document.")
		return
	}

	run, err := s.runner.Run(r.Context(), username, pages)
	usageWarning := ""
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrAllPagesFailed):
			writeError(w, http.StatusUnprocessableEntity, "Failed to process the document: no pages could be extracted.")
			return
		case errors.Is(err, pipeline.ErrUsageNotRecorded):
			// The run completed; report it, but tell the caller that usage
			// accounting did not persist.
			usageWarning = err.Error()
		default:
			slog.Error("Error running extraction", "filename", header.Filename, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to process the document.")
			return
		}
	}

	rows, err := table.Assemble(run.Results)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "No valid data extracted from the document.")
		return
	}

	resp := extractResponse{
		Message:         "Data extracted successfully.",
		RunID:           run.ID,
		Pages:           len(pages),
		APICalls:        run.TotalAPICalls,
		TotalTokenCount: run.TotalTokenCount,
		Rows:            len(rows),
		Columns:         table.Columns(rows),
		UsageWarning:    usageWarning,
	}

	base := strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename))
	if base == "" {
		base = "document"
	}
	exportName := base + "_extracted.xlsx"
	if err := table.Export(rows, filepath.Join(s.dataDir, exportName)); err != nil {
		// The in-memory table is still good; surface the export failure
		// without discarding the run.
		slog.Error("Error exporting spreadsheet", "filename", exportName, "error", err)
		resp.ExportError = "Failed to save the spreadsheet."
	} else {
		resp.ExcelPath = "/api/exports/" + exportName
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleUsage returns the caller's usage record
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, username string) {
	record, err := s.ledger.Snapshot(r.Context(), username)
	if err != nil {
		if errors.Is(err, accounts.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "No usage record for this user.")
			return
		}
		slog.Error("Error fetching usage", "user", username, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleListUsers returns every non-admin account with its usage counters
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, _ string) {
	listing, err := s.users.ListUsers(r.Context())
	if err != nil {
		slog.Error("Error listing users", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// handleRegister creates a new account
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	user := accounts.User{
		Username: req.Username,
		Name:     req.Name,
		Email:    req.Email,
		Role:     accounts.RoleUser,
	}
	if err := s.users.Register(r.Context(), user, req.Password); err != nil {
		if errors.Is(err, accounts.ErrUserExists) {
			writeError(w, http.StatusConflict, "User with this username already exists")
			return
		}
		slog.Error("Error registering user", "user", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"message": "User registered successfully",
	})
}

// handleChangePassword changes the caller's own password
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, username string) {
	if username == AnonymousUser {
		writeError(w, http.StatusForbidden, "Authentication required")
		return
	}

	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.users.ChangePassword(r.Context(), username, req.OldPassword, req.NewPassword); err != nil {
		if errors.Is(err, accounts.ErrInvalidCredentials) {
			writeError(w, http.StatusForbidden, "Incorrect old password")
			return
		}
		slog.Error("Error changing password", "user", username, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to change password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Password changed successfully",
	})
}

// handleGetExport serves a previously exported spreadsheet
func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request, _ string) {
	name := r.PathValue("name")
	if name == "" || name != filepath.Base(name) {
		corsError(w, "Invalid export name", http.StatusBadRequest)
		return
	}

	data, err := os.ReadFile(filepath.Join(s.dataDir, name))
	if err != nil {
		corsError(w, "Export not found", http.StatusNotFound)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Write(data)
}

// handleClearExports removes all exported spreadsheets
func (s *Server) handleClearExports(w http.ResponseWriter, r *http.Request, _ string) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string]string{"message": "Nothing to clear."})
			return
		}
		slog.Error("Error reading data directory", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to clear files")
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dataDir, entry.Name())); err != nil {
			slog.Error("Error removing export", "file", entry.Name(), "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to clear files")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "All extracted files have been cleared.",
	})
}
