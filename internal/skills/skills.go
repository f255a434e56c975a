// Package skills loads skill markdown files from a directory and renders
// them for system prompt injection. A skill file is markdown with optional
// YAML frontmatter carrying `name` and `description`; files without
// frontmatter fall back to the filename stem and their first content line.
package skills

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Skill is one loaded skill definition.
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Content     string `yaml:"-"`
	Path        string `yaml:"-"`
}

// Loader scans a directory for *.md skill files. Reload replaces the loaded
// set, so a gateway restart (or an explicit reload) picks up new files.
type Loader struct {
	dir string

	mu     sync.RWMutex
	skills []Skill
}

// NewLoader creates a loader rooted at dir. The directory may not exist yet;
// Load treats a missing directory as zero skills.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load scans the directory tree and replaces the loaded skill set. Unreadable
// or malformed files are skipped with a warning. Duplicate names keep the
// first file seen (walk order is lexical).
func (l *Loader) Load() error {
	if l.dir == "" {
		return nil
	}
	if _, err := os.Stat(l.dir); os.IsNotExist(err) {
		l.mu.Lock()
		l.skills = nil
		l.mu.Unlock()
		return nil
	}

	var loaded []Skill
	seen := make(map[string]string)
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			slog.Warn("skills.walk_failed", "path", path, "error", walkErr)
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		skill, err := parseFile(path)
		if err != nil {
			slog.Warn("skills.parse_failed", "path", path, "error", err)
			return nil
		}
		if prev, dup := seen[skill.Name]; dup {
			slog.Warn("skills.duplicate_name", "name", skill.Name, "path", path, "kept", prev)
			return nil
		}
		seen[skill.Name] = path
		loaded = append(loaded, skill)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan skills dir %s: %w", l.dir, err)
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Name < loaded[j].Name })

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()

	if len(loaded) > 0 {
		slog.Info("skills.loaded", "count", len(loaded), "dir", l.dir)
	}
	return nil
}

// Skills returns a copy of the loaded skill set.
func (l *Loader) Skills() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, len(l.skills))
	copy(out, l.skills)
	return out
}

// Count returns how many skills are loaded.
func (l *Loader) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.skills)
}

// Summary renders an <available_skills> block listing names and
// descriptions, suitable for inlining into a system prompt.
func (l *Loader) Summary() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, s := range l.skills {
		fmt.Fprintf(&b, "<skill name=%q>%s</skill>\n", s.Name, s.Description)
	}
	b.WriteString("</available_skills>")
	return b.String()
}

// Inline renders every skill's full content, used when the injection mode
// asks for the complete skill text rather than the summary.
func (l *Loader) Inline() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.skills) == 0 {
		return ""
	}
	var b strings.Builder
	for i, s := range l.skills {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### Skill: %s\n%s", s.Name, s.Content)
	}
	return b.String()
}

func parseFile(path string) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, fmt.Errorf("read file: %w", err)
	}
	return parse(data, path)
}

func parse(data []byte, path string) (Skill, error) {
	skill := Skill{Path: path}

	front, body := splitFrontmatter(data)
	if front != nil {
		if err := yaml.Unmarshal(front, &skill); err != nil {
			return Skill{}, fmt.Errorf("parse frontmatter: %w", err)
		}
	}
	skill.Content = strings.TrimSpace(string(body))

	if skill.Name == "" {
		base := filepath.Base(path)
		skill.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if skill.Description == "" {
		skill.Description = firstLine(skill.Content)
	}
	if skill.Content == "" {
		return Skill{}, fmt.Errorf("skill %s has no content", skill.Name)
	}
	return skill, nil
}

// splitFrontmatter separates a leading YAML frontmatter block from the body.
// Returns (nil, data) when no frontmatter is present.
func splitFrontmatter(data []byte) (front, body []byte) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "﻿")
	lines := bytes.SplitN(trimmed, []byte("\n"), 2)
	if len(lines) < 2 || strings.TrimSpace(string(lines[0])) != delim {
		return nil, data
	}
	rest := lines[1]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, data
	}
	front = rest[:idx]
	body = rest[idx+len(delim)+1:]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}
	return front, body
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			if len(line) > 120 {
				return line[:120]
			}
			return line
		}
	}
	return ""
}
