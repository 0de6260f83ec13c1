package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/monitor"
)

// SaveThresholds replaces monitor.thresholds in the config file. Comments and
// the other sections are kept by editing the yaml.Node tree in place. A
// running quill picks the change up through its config watcher.
func SaveThresholds(configPath string, t monitor.Thresholds) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid thresholds: %w", err)
	}

	data, err := os.ReadFile(configPath) //nolint:gosec // path comes from the CLI
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode}},
		}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("parsing config: top level is not a mapping")
	}

	monitorNode := childMapping(doc.Content[0], "monitor")
	setKey(monitorNode, "thresholds", thresholdsNode(t))

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(configPath, buf.Bytes())
}

// childMapping returns the mapping stored under key, creating it when missing
// or replacing it when it holds a scalar.
func childMapping(parent *yaml.Node, key string) *yaml.Node {
	for i := 0; i < len(parent.Content)-1; i += 2 {
		if parent.Content[i].Value == key {
			if parent.Content[i+1].Kind != yaml.MappingNode {
				parent.Content[i+1] = &yaml.Node{Kind: yaml.MappingNode}
			}
			return parent.Content[i+1]
		}
	}
	child := &yaml.Node{Kind: yaml.MappingNode}
	parent.Content = append(parent.Content, scalar(key), child)
	return child
}

func setKey(parent *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i < len(parent.Content)-1; i += 2 {
		if parent.Content[i].Value == key {
			// Keep the comment attached to the old value.
			value.HeadComment = parent.Content[i+1].HeadComment
			parent.Content[i+1] = value
			return
		}
	}
	parent.Content = append(parent.Content, scalar(key), value)
}

func thresholdsNode(t monitor.Thresholds) *yaml.Node {
	node := &yaml.Node{Kind: yaml.MappingNode}
	node.Content = append(node.Content,
		scalar("cpu_percent"), scalar(strconv.FormatFloat(t.CPUPercent, 'f', -1, 64)),
		scalar("memory_percent"), scalar(strconv.FormatFloat(t.MemoryPercent, 'f', -1, 64)),
		scalar("stage_duration"), scalar(t.StageDuration.String()),
	)
	if len(t.Stages) == 0 {
		return node
	}

	stagesNode := &yaml.Node{Kind: yaml.MappingNode}
	ids := make([]message.StageID, 0, len(t.Stages))
	for id := range t.Stages {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		stagesNode.Content = append(stagesNode.Content, scalar(string(id)), scalar(t.Stages[id].String()))
	}
	node.Content = append(node.Content, scalar("stages"), stagesNode)
	return node
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: v}
}

// writeAtomic writes to a temp file in the same directory, then renames.
func writeAtomic(configPath string, data []byte) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".quill.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
