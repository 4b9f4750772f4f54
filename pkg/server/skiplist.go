// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultSkipTools are tool names filtered out before observation: planning
// and meta tools whose executions carry no reusable project knowledge.
var DefaultSkipTools = []string{
	"TodoWrite",
	"ExitPlanMode",
	"AskUserQuestion",
	"EnterPlanMode",
	"ListMcpResources",
	"ReadMcpResource",
	"NotebookEdit",
}

// skipFile is the on-disk override format.
type skipFile struct {
	SkipTools []string `yaml:"skip_tools"`
}

// SkipList decides which tool events are filtered out at ingestion. The set
// can be overridden by a YAML file and hot-reloads when the file changes.
type SkipList struct {
	mu     sync.RWMutex
	tools  map[string]bool
	path   string
	logger *zap.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewSkipList builds a skip list from the given tool names, falling back to
// DefaultSkipTools when names is nil.
func NewSkipList(names []string, logger *zap.Logger) *SkipList {
	if logger == nil {
		logger = zap.NewNop()
	}
	if names == nil {
		names = DefaultSkipTools
	}
	l := &SkipList{logger: logger}
	l.replace(names)
	return l
}

// LoadSkipList reads the skip set from a YAML file and watches it for
// changes. A missing file yields the defaults; the watch still starts so a
// later-created file takes effect.
func LoadSkipList(path string, logger *zap.Logger) (*SkipList, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := NewSkipList(nil, logger)
	l.path = path

	if err := l.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch skip list: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save and a
	// file-level watch dies with the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch skip list dir: %w", err)
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	go l.watch()
	return l, nil
}

// Skip reports whether events for the named tool are filtered out.
func (l *SkipList) Skip(toolName string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tools[toolName]
}

// Tools returns the current skip set, sorted order not guaranteed.
func (l *SkipList) Tools() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.tools))
	for name := range l.tools {
		out = append(out, name)
	}
	return out
}

// Close stops the file watcher, if any.
func (l *SkipList) Close() {
	if l.watcher == nil {
		return
	}
	close(l.done)
	_ = l.watcher.Close()
}

func (l *SkipList) replace(names []string) {
	tools := make(map[string]bool, len(names))
	for _, name := range names {
		if name != "" {
			tools[name] = true
		}
	}
	l.mu.Lock()
	l.tools = tools
	l.mu.Unlock()
}

func (l *SkipList) reload() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	var cfg skipFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse skip list %s: %w", l.path, err)
	}
	names := cfg.SkipTools
	if names == nil {
		names = DefaultSkipTools
	}
	l.replace(names)
	l.logger.Info("tool skip list loaded",
		zap.String("path", l.path),
		zap.Int("tools", len(names)))
	return nil
}

func (l *SkipList) watch() {
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(l.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := l.reload(); err != nil && !os.IsNotExist(err) {
				l.logger.Warn("skip list reload failed", zap.Error(err))
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("skip list watcher error", zap.Error(err))
		}
	}
}
