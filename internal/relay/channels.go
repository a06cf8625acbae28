package relay

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

type channelsFile struct {
	Channels []string `yaml:"channels"`
}

// LoadChannels returns the relay's channel list. When path is set the list
// is read from that YAML file, e.g.
//
//	channels:
//	  - general
//	  - random
//
// otherwise fallback is used. Names are trimmed and deduplicated.
func LoadChannels(fallback []string, path string) ([]string, error) {
	names := fallback
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read channels file: %w", err)
		}
		var f channelsFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse channels file %s: %w", path, err)
		}
		names = f.Channels
	}

	names = lo.Uniq(lo.FilterMap(names, func(n string, _ int) (string, bool) {
		n = strings.TrimSpace(n)
		return n, n != ""
	}))
	if len(names) == 0 {
		return nil, errors.New("no channels configured")
	}
	return names, nil
}
