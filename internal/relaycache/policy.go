package relaycache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

// ConflictPolicy holds the tuning knobs of conflict classification.
type ConflictPolicy struct {
	CriticalFields        []string   `yaml:"criticalFields" json:"criticalFields"`
	ImportantFields       []string   `yaml:"importantFields" json:"importantFields"`
	AutoResolveSeverities []Severity `yaml:"autoResolveSeverities" json:"autoResolveSeverities"`
	AutoResolveStrategy   Resolution `yaml:"autoResolveStrategy" json:"autoResolveStrategy"`
	LastModifiedField     string     `yaml:"lastModifiedField" json:"lastModifiedField"`
}

func DefaultConflictPolicy() ConflictPolicy {
	return ConflictPolicy{
		CriticalFields:        []string{"status", "assignedMembers", "projectId"},
		ImportantFields:       []string{"workPeriod", "billedHours", "actualHours"},
		AutoResolveSeverities: []Severity{SeverityLow},
		AutoResolveStrategy:   ResolutionNotionWins,
		LastModifiedField:     DefaultLastModifiedField,
	}
}

// normalized fills unset knobs from the defaults. An explicitly empty list stays empty.
func (p ConflictPolicy) normalized() ConflictPolicy {
	def := DefaultConflictPolicy()
	if p.CriticalFields == nil {
		p.CriticalFields = def.CriticalFields
	}
	if p.ImportantFields == nil {
		p.ImportantFields = def.ImportantFields
	}
	if p.AutoResolveSeverities == nil {
		p.AutoResolveSeverities = def.AutoResolveSeverities
	}
	if !p.AutoResolveStrategy.IsStrategy() {
		p.AutoResolveStrategy = def.AutoResolveStrategy
	}
	if strings.TrimSpace(p.LastModifiedField) == "" {
		p.LastModifiedField = def.LastModifiedField
	}
	return p
}

func (p ConflictPolicy) autoResolves(severity Severity) bool {
	for _, s := range p.AutoResolveSeverities {
		if s == severity {
			return true
		}
	}
	return false
}

func ParseConflictPolicy(data []byte) (ConflictPolicy, error) {
	var policy ConflictPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return ConflictPolicy{}, zerr.Wrap(ErrInvalidInput, "parse conflict policy: "+err.Error())
	}
	for _, s := range policy.AutoResolveSeverities {
		switch s {
		case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		default:
			return ConflictPolicy{}, invalidInput("unknown severity in policy", "severity", string(s))
		}
	}
	if policy.AutoResolveStrategy != "" && !policy.AutoResolveStrategy.IsStrategy() {
		return ConflictPolicy{}, invalidInput("unknown auto-resolve strategy", "strategy", string(policy.AutoResolveStrategy))
	}
	return policy.normalized(), nil
}

func LoadConflictPolicy(path string) (ConflictPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConflictPolicy{}, zerr.With(zerr.Wrap(err, "read conflict policy"), "path", path)
	}
	return ParseConflictPolicy(data)
}

type PolicySink interface {
	SetPolicy(policy ConflictPolicy)
}

// PolicyWatcher reloads a policy file whenever it changes on disk.
type PolicyWatcher struct {
	path     string
	sink     PolicySink
	logger   *slog.Logger
	debounce time.Duration
}

func NewPolicyWatcher(path string, sink PolicySink, logger *slog.Logger) *PolicyWatcher {
	return &PolicyWatcher{
		path:     filepath.Clean(path),
		sink:     sink,
		logger:   loggerOrDiscard(logger),
		debounce: 100 * time.Millisecond,
	}
}

// Run loads the policy once, then watches the containing directory until ctx is done. Editors
// often replace files by rename, so the directory is watched rather than the file.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	if err := w.reload(); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return zerr.Wrap(err, "create policy watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return zerr.With(zerr.Wrap(err, "watch policy directory"), "path", w.path)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := w.reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
				zerr.Log(ctx, w.logger, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WarnContext(ctx, "policy watcher error", "error", err)
		}
	}
}

func (w *PolicyWatcher) reload() error {
	policy, err := LoadConflictPolicy(w.path)
	if err != nil {
		return err
	}
	w.sink.SetPolicy(policy)
	w.logger.Info("conflict policy loaded",
		"path", w.path,
		"critical_fields", policy.CriticalFields,
		"important_fields", policy.ImportantFields)
	return nil
}
