// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package aggregator

import "github.com/axiomhq/hyperloglog"

// cardinality counts distinct values exactly up to the configured
// threshold, then degrades to a HyperLogLog sketch. Below the threshold
// results are exact and re-aggregation is byte-identical; above it the
// estimate stays within the sketch's error bound (~0.8% at precision 14).
type cardinality struct {
	threshold int
	exact     map[string]struct{}
	sketch    *hyperloglog.Sketch
}

func newCardinality(threshold int) *cardinality {
	if threshold <= 0 {
		threshold = DefaultPrecisionThreshold
	}
	return &cardinality{
		threshold: threshold,
		exact:     make(map[string]struct{}),
	}
}

func (c *cardinality) Add(value string) {
	if c.sketch != nil {
		c.sketch.Insert([]byte(value))
		return
	}
	c.exact[value] = struct{}{}
	if len(c.exact) > c.threshold {
		c.sketch = hyperloglog.New14()
		for v := range c.exact {
			c.sketch.Insert([]byte(v))
		}
		c.exact = nil
	}
}

func (c *cardinality) Count() uint64 {
	if c.sketch != nil {
		return c.sketch.Estimate()
	}
	return uint64(len(c.exact))
}
