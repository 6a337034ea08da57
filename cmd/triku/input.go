package main

import (
	"strings"

	"github.com/atlasmap-sc/triku/internal/config"
	"github.com/atlasmap-sc/triku/internal/counts"
	"github.com/atlasmap-sc/triku/internal/data/soma"
	"github.com/atlasmap-sc/triku/internal/data/table"
	"github.com/atlasmap-sc/triku/internal/data/zarr"
)

// openSource opens the configured input. The returned close func is never nil.
func openSource(in config.InputConfig) (counts.Source, func(), error) {
	if strings.TrimSpace(in.Path) == "" {
		return nil, func() {}, counts.Configurationf("no input path given")
	}

	switch strings.ToLower(in.Format) {
	case "zarr":
		r, err := zarr.NewReader(in.Path)
		if err != nil {
			return nil, func() {}, err
		}
		return r, r.Close, nil
	case "csv", "tsv":
		r, err := table.NewReader(in.Path, strings.ToLower(in.Format))
		if err != nil {
			return nil, func() {}, err
		}
		return r, func() {}, nil
	case "soma":
		r, err := soma.NewReader(in.Path, in.Measurement)
		if err != nil {
			return nil, func() {}, err
		}
		return r, r.Close, nil
	default:
		return nil, func() {}, counts.InvalidInputf("unsupported input format %q (want zarr, csv, tsv or soma)", in.Format)
	}
}
