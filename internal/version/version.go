// Package version keeps the named snapshots of a report and which of them is current.
package version

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"reportflow/internal/download"
	"reportflow/internal/remote"
	"reportflow/internal/task"
)

var (
	ErrMissingReportID = errors.New("report id is required")
	ErrMissingVersion  = errors.New("version id is required")
)

// Version is a named snapshot of report content taken at a pipeline stage.
type Version struct {
	ID          string     `json:"id"`
	ReportID    string     `json:"report_id"`
	CreatedAt   time.Time  `json:"created_at"`
	Label       string     `json:"label"`
	Description string     `json:"description,omitempty"`
	IsCurrent   bool       `json:"is_current"`
	Stage       task.Stage `json:"stage"`
	URL         string     `json:"url,omitempty"`
}

// Remote is the subset of the pipeline client used for versions.
type Remote interface {
	CreateVersion(ctx context.Context, reportID string, req remote.VersionRequest) (remote.CreatedVersion, error)
	GetVersion(ctx context.Context, versionID string) (remote.VersionContent, error)
	CompareVersions(ctx context.Context, a, b string) (remote.VersionDiff, error)
	DownloadURL(ctx context.Context, versionID string) (string, error)
}

// Fetcher saves a remote file locally.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, filename string) (download.Result, error)
}

// Options wires a Manager. Stage reports the pipeline stage a new snapshot is taken at;
// OnChange is called after every mutation, outside the manager lock. DownloadTimeout
// bounds a single file download; zero keeps the downloader's default.
type Options struct {
	Remote          Remote
	Fetcher         Fetcher
	Stage           func() task.Stage
	OnChange        func()
	Now             func() time.Time
	DownloadTimeout time.Duration
}

// Manager owns the version lists of all reports seen in this session.
type Manager struct {
	remote   Remote
	fetcher  Fetcher
	stage    func() task.Stage
	onChange func()
	now      func() time.Time
	timeout  time.Duration

	mu       sync.Mutex
	versions map[string][]Version
	content  map[string]remote.VersionContent
}

func NewManager(opts Options) *Manager {
	if opts.Stage == nil {
		opts.Stage = func() task.Stage { return task.StageIdle }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		remote:   opts.Remote,
		fetcher:  opts.Fetcher,
		stage:    opts.Stage,
		onChange: opts.OnChange,
		now:      opts.Now,
		timeout:  opts.DownloadTimeout,
		versions: make(map[string][]Version),
		content:  make(map[string]remote.VersionContent),
	}
}

// CreateVersion snapshots the report remotely and makes the new version current.
func (m *Manager) CreateVersion(ctx context.Context, reportID, label, description string) (Version, error) {
	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		return Version{}, ErrMissingReportID
	}
	stage := m.stage()
	if strings.TrimSpace(label) == "" {
		label = fmt.Sprintf("Version %d", len(m.List(reportID))+1)
	}

	created, err := m.remote.CreateVersion(ctx, reportID, remote.VersionRequest{
		Label:       label,
		Description: description,
		Stage:       stage.String(),
	})
	if err != nil {
		log.Error().Str("report_id", reportID).Err(err).Msg("create version failed")
		return Version{}, fmt.Errorf("create version: %w", err)
	}

	v := Version{
		ID:          created.ID,
		ReportID:    reportID,
		CreatedAt:   created.CreatedAt,
		Label:       label,
		Description: description,
		IsCurrent:   true,
		Stage:       stage,
		URL:         created.URL,
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = m.now()
	}

	m.mu.Lock()
	list := m.versions[reportID]
	for i := range list {
		list[i].IsCurrent = false
	}
	m.versions[reportID] = append(list, v)
	m.mu.Unlock()

	log.Info().Str("report_id", reportID).Str("version_id", v.ID).Str("stage", stage.String()).Msg("version created")
	m.changed()
	return v, nil
}

// SwitchVersion loads the content of id and marks it current. It reports false without
// error when id is not a version known to this session.
func (m *Manager) SwitchVersion(ctx context.Context, id string) (remote.VersionContent, bool, error) {
	if !m.known(id) {
		return remote.VersionContent{}, false, nil
	}
	content, err := m.remote.GetVersion(ctx, id)
	if err != nil {
		log.Error().Str("version_id", id).Err(err).Msg("switch version failed")
		return remote.VersionContent{}, false, fmt.Errorf("switch version: %w", err)
	}

	m.mu.Lock()
	reportID, found := m.reportOfLocked(id)
	if found {
		list := m.versions[reportID]
		for i := range list {
			list[i].IsCurrent = list[i].ID == id
		}
		m.content[reportID] = content
	}
	m.mu.Unlock()

	// the list may have been reset while the content was in flight
	if !found {
		return remote.VersionContent{}, false, nil
	}
	log.Info().Str("report_id", reportID).Str("version_id", id).Msg("switched version")
	m.changed()
	return content, true, nil
}

// CompareVersions asks the pipeline for the differences between two versions.
func (m *Manager) CompareVersions(ctx context.Context, a, b string) (remote.VersionDiff, error) {
	if a == "" || b == "" {
		return remote.VersionDiff{}, ErrMissingVersion
	}
	diff, err := m.remote.CompareVersions(ctx, a, b)
	if err != nil {
		return remote.VersionDiff{}, fmt.Errorf("compare versions: %w", err)
	}
	return diff, nil
}

// DownloadVersion resolves the download URL of id and saves the file as filename.
// Nothing in the manager changes, whatever the outcome.
func (m *Manager) DownloadVersion(ctx context.Context, id, filename string) (download.Result, error) {
	if id == "" {
		return download.Result{}, ErrMissingVersion
	}
	if m.fetcher == nil {
		return download.Result{}, errors.New("download directory not configured")
	}
	url, err := m.remote.DownloadURL(ctx, id)
	if err != nil {
		return download.Result{}, fmt.Errorf("download version: %w", err)
	}
	if m.timeout > 0 {
		ctx = download.WithHTTPTimeout(ctx, m.timeout)
	}
	res, err := m.fetcher.Fetch(ctx, url, filename)
	if err != nil {
		log.Error().Str("version_id", id).Err(err).Msg("download version failed")
		return download.Result{}, fmt.Errorf("download version: %w", err)
	}
	return res, nil
}

// List returns a copy of the versions of reportID, oldest first.
func (m *Manager) List(reportID string) []Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Version, len(m.versions[reportID]))
	copy(out, m.versions[reportID])
	return out
}

// All returns a copy of every list keyed by report id.
func (m *Manager) All() map[string][]Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]Version, len(m.versions))
	for rid, list := range m.versions {
		cp := make([]Version, len(list))
		copy(cp, list)
		out[rid] = cp
	}
	return out
}

// Current returns the current version of reportID.
func (m *Manager) Current(reportID string) (Version, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[reportID] {
		if v.IsCurrent {
			return v, true
		}
	}
	return Version{}, false
}

// Content returns the content loaded by the last switch for reportID.
func (m *Manager) Content(reportID string) (remote.VersionContent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.content[reportID]
	return c, ok
}

// ReportIDs lists the reports with at least one version, sorted.
func (m *Manager) ReportIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.versions))
	for rid := range m.versions {
		ids = append(ids, rid)
	}
	sort.Strings(ids)
	return ids
}

// Reset forgets all versions. Used when the session ends.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.versions = make(map[string][]Version)
	m.content = make(map[string]remote.VersionContent)
	m.mu.Unlock()
}

func (m *Manager) known(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reportOfLocked(id)
	return ok
}

func (m *Manager) reportOfLocked(id string) (string, bool) {
	for rid, list := range m.versions {
		for _, v := range list {
			if v.ID == id {
				return rid, true
			}
		}
	}
	return "", false
}

func (m *Manager) changed() {
	if m.onChange != nil {
		m.onChange()
	}
}
