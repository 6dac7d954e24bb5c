package domain

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"hanchat/server/internal/model"
)

//go:embed scenes.yaml
var defaultScenes []byte

// Catalog 是只读的情景目录，按 name 索引。
type Catalog struct {
	scenes map[string]model.Scene
	order  []string
}

type sceneFile struct {
	Scenes []model.Scene `yaml:"scenes"`
}

// LoadScenes 从指定路径加载情景目录；path 为空时使用内置目录。
func LoadScenes(path string) (*Catalog, error) {
	if path == "" {
		return ParseScenes(defaultScenes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenes: %w", err)
	}
	return ParseScenes(data)
}

// DefaultCatalog 返回内置情景目录。
func DefaultCatalog() *Catalog {
	c, err := ParseScenes(defaultScenes)
	if err != nil {
		panic(fmt.Sprintf("built-in scenes: %v", err))
	}
	return c
}

// ParseScenes 解析 YAML 格式的情景目录。
func ParseScenes(data []byte) (*Catalog, error) {
	var f sceneFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scenes: %w", err)
	}

	c := &Catalog{scenes: make(map[string]model.Scene, len(f.Scenes))}
	for _, s := range f.Scenes {
		if s.Name == "" {
			return nil, fmt.Errorf("parse scenes: scene without name (title %q)", s.Title)
		}
		if _, dup := c.scenes[s.Name]; dup {
			return nil, fmt.Errorf("parse scenes: duplicate scene %q", s.Name)
		}
		c.scenes[s.Name] = s
		c.order = append(c.order, s.Name)
	}
	return c, nil
}

// Lookup 按名称查找情景。
func (c *Catalog) Lookup(name string) (model.Scene, bool) {
	if c == nil {
		return model.Scene{}, false
	}
	s, ok := c.scenes[name]
	return s, ok
}

// List 按文件中的顺序返回全部情景。
func (c *Catalog) List() []model.Scene {
	if c == nil {
		return nil
	}
	out := make([]model.Scene, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.scenes[name])
	}
	return out
}

// Names 返回排序后的情景名。
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	names := append([]string(nil), c.order...)
	sort.Strings(names)
	return names
}
