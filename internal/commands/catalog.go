// Package commands maintains the catalog of slash commands available to the
// CLI assistant, read from markdown files in the working directory's command
// folder. The catalog is served to clients so they can offer completions.
package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/tetherdev/tether/internal/logging"
)

// Command is one entry in the catalog.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// frontMatter is the YAML block an entry file may open with.
type frontMatter struct {
	Description string `yaml:"description"`
}

// Catalog reads command files from a directory and keeps the in-memory list
// current as files change.
type Catalog struct {
	dir    string
	logger *logging.Logger

	mu       sync.RWMutex
	commands []Command

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// NewCatalog creates a catalog rooted at dir. The directory may not exist
// yet; Load treats a missing directory as an empty catalog.
func NewCatalog(dir string, logger *logging.Logger) *Catalog {
	return &Catalog{
		dir:    dir,
		logger: logger.WithComponent("commands"),
		done:   make(chan struct{}),
	}
}

// Load scans the directory and replaces the catalog contents.
func (c *Catalog) Load() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			c.setCommands(nil)
			return nil
		}
		return err
	}

	var commands []Command
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			c.logger.Warn("skipping unreadable command file", "file", entry.Name(), "error", err)
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		commands = append(commands, parseCommand(name, data))
	}

	sort.Slice(commands, func(i, j int) bool { return commands[i].Name < commands[j].Name })
	c.setCommands(commands)
	return nil
}

// Commands returns the current catalog in name order.
func (c *Catalog) Commands() []Command {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Command(nil), c.commands...)
}

// Watch reloads the catalog whenever the directory changes. Load must have
// been called first so a watch failure still leaves a usable catalog.
func (c *Catalog) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return err
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case <-c.done:
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				if err := c.Load(); err != nil {
					c.logger.Warn("catalog reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("catalog watch error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (c *Catalog) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.watcher != nil {
			err = c.watcher.Close()
		}
	})
	return err
}

func (c *Catalog) setCommands(commands []Command) {
	c.mu.Lock()
	c.commands = commands
	c.mu.Unlock()
}

// parseCommand extracts the description from a command file: the YAML
// front matter's description field when present, otherwise the first
// heading, otherwise the first non-empty line.
func parseCommand(name string, data []byte) Command {
	cmd := Command{Name: name}

	body := data
	if rest, fm, ok := splitFrontMatter(data); ok {
		var meta frontMatter
		if err := yaml.Unmarshal(fm, &meta); err == nil && meta.Description != "" {
			cmd.Description = meta.Description
			return cmd
		}
		body = rest
	}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cmd.Description = strings.TrimSpace(strings.TrimLeft(line, "# "))
		return cmd
	}
	return cmd
}

// splitFrontMatter separates a leading "---" delimited YAML block from the
// rest of the document.
func splitFrontMatter(data []byte) (body, fm []byte, ok bool) {
	const delim = "---"
	if !bytes.HasPrefix(data, []byte(delim+"\n")) && !bytes.HasPrefix(data, []byte(delim+"\r\n")) {
		return data, nil, false
	}
	rest := data[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return data, nil, false
	}
	fm = rest[:idx]
	body = rest[idx+len("\n"+delim):]
	// Drop the delimiter's trailing newline, if any.
	body = bytes.TrimPrefix(bytes.TrimPrefix(body, []byte("\r")), []byte("\n"))
	return body, fm, true
}
