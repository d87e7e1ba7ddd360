package apps

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/hubd/internal/dynamic"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidDefinition = errors.New("apps: invalid app definition")
	ErrDuplicateApp      = errors.New("apps: duplicate app id")
)

const classKey = "class"

// Definition is one `<id>: {class: ..., ...}` entry of an app config file.
// Config holds every field of the entry, class included.
type Definition struct {
	ID     string
	Class  string
	File   string
	Config *dynamic.Record
}

// LoadDefinitions reads every *.yaml and *.yml file below root, skipping
// dot-directories. Bad files and entries are reported in the joined error;
// the valid definitions are still returned.
func LoadDefinitions(root string) ([]Definition, error) {
	var (
		defs []Definition
		errs []error
		seen = make(map[string]string)
	)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			errs = append(errs, err)
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isConfigFile(path) {
			return nil
		}
		fileDefs, err := loadFile(path)
		if err != nil {
			errs = append(errs, err)
		}
		for _, def := range fileDefs {
			if prev, ok := seen[def.ID]; ok {
				errs = append(errs, fmt.Errorf("%w: %q in %s and %s", ErrDuplicateApp, def.ID, prev, def.File))
				continue
			}
			seen[def.ID] = def.File
			defs = append(defs, def)
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("apps: scan %s: %w", root, walkErr)
	}
	return defs, errors.Join(errs...)
}

func isConfigFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func loadFile(path string) ([]Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("apps: read %s: %w", path, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("apps: parse %s: %w", path, err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: %s: top level must be a mapping of app ids", ErrInvalidDefinition, path)
	}

	var (
		defs []Definition
		errs []error
	)
	for i := 0; i+1 < len(root.Content); i += 2 {
		id := strings.TrimSpace(root.Content[i].Value)
		def, err := decodeDefinition(path, id, root.Content[i+1])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, errors.Join(errs...)
}

func decodeDefinition(path, id string, node *yaml.Node) (Definition, error) {
	if id == "" {
		return Definition{}, fmt.Errorf("%w: %s: empty app id", ErrInvalidDefinition, path)
	}
	cfg := dynamic.New(dynamic.IgnoreCase(), dynamic.Permissive())
	if err := cfg.UnmarshalYAML(node); err != nil {
		return Definition{}, fmt.Errorf("%w: %s: app %q: %v", ErrInvalidDefinition, path, id, err)
	}
	class, err := dynamic.ValueOrDefault(cfg, classKey, "")
	if err != nil || strings.TrimSpace(class) == "" {
		return Definition{}, fmt.Errorf("%w: %s: app %q: class is required", ErrInvalidDefinition, path, id)
	}
	return Definition{
		ID:     id,
		Class:  strings.TrimSpace(class),
		File:   path,
		Config: cfg,
	}, nil
}
