package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Limits on what a configuration document may describe
const (
	maxDocumentSize  = 4 << 20 // bytes per layer file
	maxDocumentDepth = 32
	maxEnvValueLen   = 4096
	maxPipelines     = 256
	maxStages        = 128 // per pipeline, collector members included
)

// readLayer reads one layer file after checking that it is a regular JSON
// or YAML file within maxDocumentSize
func readLayer(path string) ([]byte, error) {
	if formatOf(path) == "" {
		return nil, fmt.Errorf("layer %s must be a .json, .yaml or .yml file", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("layer %s is not a regular file", path)
	}
	if info.Size() > maxDocumentSize {
		return nil, fmt.Errorf("layer %s is %d bytes, limit is %d", path, info.Size(), maxDocumentSize)
	}
	return os.ReadFile(path)
}

// checkDepth walks a decoded document and rejects nesting beyond
// maxDocumentDepth. Both formats decode to maps and slices, so one walk
// covers JSON and YAML.
func checkDepth(v any, depth int) error {
	if depth > maxDocumentDepth {
		return fmt.Errorf("document nests deeper than %d levels", maxDocumentDepth)
	}
	switch node := v.(type) {
	case map[string]any:
		for _, child := range node {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range node {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkEnvValue rejects override values no setting could need
func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValueLen {
		return fmt.Errorf("%s is %d bytes, limit is %d", key, len(value), maxEnvValueLen)
	}
	if strings.ContainsRune(value, 0) {
		return errors.New(key + " contains a NUL byte")
	}
	return nil
}

// checkPipelineLimits bounds the number of pipelines and the stages each
// one declares
func checkPipelineLimits(pipelines []PipelineConfig) error {
	if len(pipelines) > maxPipelines {
		return fmt.Errorf("%d pipelines configured, limit is %d", len(pipelines), maxPipelines)
	}
	for _, p := range pipelines {
		n := len(p.Stages)
		for _, s := range p.Stages {
			if s.Collect != nil {
				n += len(s.Collect.Members)
			}
		}
		if n > maxStages {
			return fmt.Errorf("pipeline %s declares %d stages, limit is %d", p.Name, n, maxStages)
		}
	}
	return nil
}
