/*
Copyright 2021 The Everoute Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and hot-reloads the daemon's YAML configuration file
// (spec.md §6): collaborator URLs, path selection knobs and the dispatcher
// retry/priority constants.
package config

import (
	"fmt"
	"os"
	"time"

	log "github.com/Sirupsen/logrus"
	"github.com/fsnotify/fsnotify"
	yaml "gopkg.in/yaml.v2"

	"github.com/everoute/mef-eline/pkg/flow"
)

// Config is the full set of spec.md §6 tunables.
type Config struct {
	PathfinderURL string `yaml:"pathfinder_url"`
	ManagerURL    string `yaml:"manager_url"`
	TraceURL      string `yaml:"sdn_trace_cp_url"`
	DocStoreURL   string `yaml:"doc_store_url"`
	EventsURL     string `yaml:"events_url"`

	SPFAttribute string `yaml:"spf_attribute"`
	SPFMaxPaths  int    `yaml:"spf_max_paths"`

	DisjointPathCutoff       int           `yaml:"disjoint_path_cutoff"`
	WaitForOldPathHighPrio   time.Duration `yaml:"wait_for_old_path_high_priority"`
	ConsistencyLoopPeriod    time.Duration `yaml:"consistency_loop_period"`

	DispatcherMaxAttempts int           `yaml:"dispatcher_max_attempts"`
	DispatcherBaseWait    time.Duration `yaml:"dispatcher_base_wait"`
	DispatcherJitterMin   time.Duration `yaml:"dispatcher_jitter_min"`
	DispatcherJitterMax   time.Duration `yaml:"dispatcher_jitter_max"`

	Priorities flow.PriorityConfig `yaml:"priorities"`

	RouterWorkers int `yaml:"router_workers"`
}

// Default returns the configuration the daemon falls back to when a key is
// absent from the file, mirroring the spec.md §6 defaults.
func Default() Config {
	return Config{
		SPFAttribute:           "hop",
		SPFMaxPaths:            2,
		DisjointPathCutoff:     10,
		WaitForOldPathHighPrio: 60 * time.Second,
		ConsistencyLoopPeriod:  60 * time.Second,
		DispatcherMaxAttempts:  3,
		DispatcherBaseWait:     3 * time.Second,
		DispatcherJitterMin:    2 * time.Second,
		DispatcherJitterMax:    7 * time.Second,
		Priorities:             flow.DefaultPriorityConfig,
		RouterWorkers:          4,
	}
}

// Load reads path, overlaying it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher reloads the config file on write/create events and hands the new
// Config to onChange. Parse errors are logged and the previous Config keeps
// running, the way a daemon that can't afford to crash on operator typo
// would behave.
type Watcher struct {
	path     string
	onChange func(Config)

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewWatcher builds a Watcher; call Start to begin watching.
func NewWatcher(path string, onChange func(Config)) *Watcher {
	return &Watcher{path: path, onChange: onChange, stop: make(chan struct{})}
}

// Start begins watching the config file's directory (fsnotify needs the
// directory, not the file itself, to survive editors that replace the file
// via rename-over rather than in-place write).
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	w.watcher = fw

	if err := fw.Add(dirOf(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.WithError(err).Warn("config: reload failed, keeping previous configuration")
				continue
			}
			log.WithField("path", w.path).Info("config: reloaded")
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config: watcher error")
		case <-w.stop:
			return
		}
	}
}

// Stop ends the watch goroutine and releases the underlying inotify handle.
func (w *Watcher) Stop() {
	close(w.stop)
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func dirOf(path string) string {
	idx := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "."
	}
	return path[:idx]
}
