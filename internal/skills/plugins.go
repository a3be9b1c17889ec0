package skills

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/hyperstudiox/hyperagent/internal/reactloop"
	"github.com/hyperstudiox/hyperagent/pkg/pluginsdk"
)

// PluginLoader turns plugin manifests into executable skill definitions:
// each plugin directory under Dir carries a manifest whose skills section
// declares out-of-process commands, loaded into the target Registry.
// Skills from plugins are never builtin; their author is the plugin id,
// and their command runs through the same sub-graph runner as any other
// skill source.
type PluginLoader struct {
	Dir      string
	Registry *MemoryRegistry
	Logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	loaded  map[string][]string // plugin id -> skill ids it registered
}

// NewPluginLoader builds a loader over dir; call Load once, then Watch to
// keep the registry in sync with manifest edits.
func NewPluginLoader(dir string, registry *MemoryRegistry, logger *slog.Logger) *PluginLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &PluginLoader{Dir: dir, Registry: registry, Logger: logger, loaded: make(map[string][]string)}
}

// Load scans every plugin directory and registers its declared skills.
// A malformed plugin is logged and skipped; it never blocks the others.
func (l *PluginLoader) Load() error {
	entries, err := os.ReadDir(l.Dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read plugin dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := l.loadPlugin(filepath.Join(l.Dir, entry.Name())); err != nil {
			l.Logger.Warn("plugin skipped", "plugin", entry.Name(), "error", err)
		}
	}
	return nil
}

func (l *PluginLoader) loadPlugin(dir string) error {
	manifest, err := readManifest(dir)
	if err != nil {
		return err
	}
	if err := manifest.Validate(); err != nil {
		return err
	}
	if len(manifest.Skills) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Re-registration replaces the plugin's previous skill set.
	for _, id := range l.loaded[manifest.ID] {
		l.Registry.Remove(id)
	}
	l.loaded[manifest.ID] = nil

	for _, sm := range manifest.Skills {
		def, err := skillFromManifest(manifest, sm)
		if err != nil {
			l.Logger.Warn("plugin skill skipped", "plugin", manifest.ID, "skill", sm.ID, "error", err)
			continue
		}
		l.Registry.Register(def)
		l.loaded[manifest.ID] = append(l.loaded[manifest.ID], def.ID)
	}
	l.Logger.Info("plugin skills loaded", "plugin", manifest.ID, "skills", len(l.loaded[manifest.ID]))
	return nil
}

func readManifest(dir string) (*pluginsdk.Manifest, error) {
	for _, name := range []string{pluginsdk.ManifestFilename, pluginsdk.LegacyManifestFilename} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return pluginsdk.DecodeManifestFile(path)
		}
	}
	return nil, fmt.Errorf("no manifest in %s", dir)
}

func skillFromManifest(m *pluginsdk.Manifest, sm pluginsdk.SkillManifest) (*SkillDefinition, error) {
	if sm.ID == "" || strings.TrimSpace(sm.Command) == "" {
		return nil, fmt.Errorf("skill needs an id and a command")
	}
	var params []Param
	if len(sm.Parameters) > 0 {
		if err := json.Unmarshal(sm.Parameters, &params); err != nil {
			return nil, fmt.Errorf("parse parameters: %w", err)
		}
	}
	risk := reactloop.RiskLevel(sm.RiskLevel)
	if risk == "" {
		risk = reactloop.RiskMedium
	}
	maxSeconds := sm.MaxExecutionTimeSeconds
	if maxSeconds <= 0 {
		maxSeconds = 300
	}
	return &SkillDefinition{
		ID:                      sm.ID,
		Name:                    sm.Name,
		Version:                 m.Version,
		Description:             sm.Description,
		Category:                sm.Category,
		Parameters:              params,
		OutputSchema:            sm.OutputSchema,
		RiskLevel:               risk,
		MaxExecutionTimeSeconds: maxSeconds,
		MaxIterations:           sm.MaxIterations,
		Enabled:                 true,
		IsBuiltin:               false,
		Author:                  m.ID,
		SourceCode:              sm.Command,
	}, nil
}

// Watch reloads a plugin whenever its manifest changes. Stop closes the
// watcher.
func (l *PluginLoader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(l.Dir); err != nil {
		_ = watcher.Close()
		return err
	}
	entries, _ := os.ReadDir(l.Dir)
	for _, entry := range entries {
		if entry.IsDir() {
			_ = watcher.Add(filepath.Join(l.Dir, entry.Name()))
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				dir := event.Name
				if !isDir(dir) {
					dir = filepath.Dir(dir)
				}
				if dir == l.Dir {
					_ = watcher.Add(event.Name)
					continue
				}
				if err := l.loadPlugin(dir); err != nil {
					l.Logger.Warn("plugin reload failed", "path", dir, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.Logger.Warn("plugin watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Stop closes the manifest watcher, if running.
func (l *PluginLoader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		_ = l.watcher.Close()
		l.watcher = nil
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
