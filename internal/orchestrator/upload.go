package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// BeginUpload starts a new upload batch with a fresh session id. The batch belongs to
// reportID, or to the current task's report when reportID is empty; one of them is
// required so an expired session can always name the report to clean up.
func (s *Store) BeginUpload(reportID string, totalFiles int) (UploadState, error) {
	if totalFiles <= 0 {
		return UploadState{}, fmt.Errorf("%w: total files must be positive", ErrInvalidUpload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		reportID = s.task.ReportID
	}
	if reportID == "" {
		return UploadState{}, fmt.Errorf("%w: report id is required", ErrInvalidUpload)
	}
	s.upload = UploadState{
		ReportID:        reportID,
		TotalFiles:      totalFiles,
		UploadSessionID: uuid.NewString(),
		// a pending cleanup request survives a new batch until the worker consumes it
		ShouldCleanup:   s.upload.ShouldCleanup,
		CleanupReportID: s.upload.CleanupReportID,
	}
	s.clock.Touch(s.now())
	log.Info().Str("report_id", reportID).Str("upload_session_id", s.upload.UploadSessionID).Int("total_files", totalFiles).Msg("upload started")
	s.publishLocked()
	return s.upload, nil
}

// UploadProgress records how many files of the batch are uploaded. Counts never go back.
func (s *Store) UploadProgress(uploaded int) (UploadState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &s.upload
	if u.TotalFiles == 0 {
		return UploadState{}, ErrNoUpload
	}
	if uploaded > u.TotalFiles {
		uploaded = u.TotalFiles
	}
	if uploaded > u.UploadedFiles {
		u.UploadedFiles = uploaded
		u.Progress = u.UploadedFiles * 100 / u.TotalFiles
	}
	s.clock.Touch(s.now())
	s.publishLocked()
	return *u, nil
}

// UploadFailed stores the upload error; the batch stops counting as active.
func (s *Store) UploadFailed(msg string) (UploadState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upload.TotalFiles == 0 {
		return UploadState{}, ErrNoUpload
	}
	if msg == "" {
		msg = "upload failed"
	}
	s.upload.Error = msg
	s.clock.Touch(s.now())
	log.Warn().Str("upload_session_id", s.upload.UploadSessionID).Str("error", msg).Msg("upload failed")
	s.publishLocked()
	return s.upload, nil
}

// ConsumeCleanup takes the pending cleanup request, if any.
func (s *Store) ConsumeCleanup() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.upload.ShouldCleanup {
		return "", false
	}
	reportID := s.upload.CleanupReportID
	s.upload.ShouldCleanup = false
	s.upload.CleanupReportID = ""
	s.publishLocked()
	return reportID, reportID != ""
}

func (s *Store) wakeCleanup() {
	select {
	case s.cleanupWake <- struct{}{}:
	default:
	}
}

// cleanupLoop deletes server temp files whenever a cleanup is requested.
func (s *Store) cleanupLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.cleanupWake:
		}
		reportID, ok := s.ConsumeCleanup()
		if !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, s.opts.CleanupTimeout)
		err := s.remote.CleanupTempFiles(cctx, reportID)
		cancel()
		if err != nil {
			log.Warn().Str("report_id", reportID).Err(err).Msg("temp file cleanup failed")
			continue
		}
		log.Info().Str("report_id", reportID).Msg("temp files cleaned up")
	}
}
