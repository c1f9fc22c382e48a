// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/pequodb/pequod/server"
	"github.com/pequodb/pequod/str"
)

// config is the startup preload document: a handful of rows per table
// and a list of join-spec text blocks, applied in order so a join can
// immediately prewarm from rows declared earlier in the same file.
type config struct {
	Tables map[string][]row `json:"tables"`
	Joins  []string         `json:"joins"`
}

type row struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	return &cfg, nil
}

func (c *config) apply(s *server.Server) error {
	for table, rows := range c.Tables {
		for _, r := range rows {
			s.Insert(str.Str(table), str.Str(r.Key), str.Str(r.Value))
		}
	}
	for _, spec := range c.Joins {
		if _, err := s.AddJoin(spec); err != nil {
			return fmt.Errorf("join %q: %w", spec, err)
		}
	}
	return nil
}
