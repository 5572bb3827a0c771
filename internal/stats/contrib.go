// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package stats

import (
	"time"

	"github.com/calyptra/repostats/internal/agent"
	"github.com/calyptra/repostats/internal/aggregator"
	"github.com/calyptra/repostats/internal/event"
	"github.com/calyptra/repostats/internal/geo"
	"github.com/calyptra/repostats/internal/pipeline"
	"github.com/calyptra/repostats/internal/query"
)

// Processor names of the default catalog.
const (
	ProcFlagRobots      = "flag-robots"
	ProcFlagMachines    = "flag-machines"
	ProcAnonymize       = "anonymize-user"
	ProcFileUniqueID    = "file-unique-id"
	ProcRecordUniqueID  = "record-unique-id"
	ProcTopViewUniqueID = "top-view-unique-id"
	ProcItemUniqueID    = "item-create-unique-id"
	ProcSearchCondition = "search-condition"
	ProcSearchUniqueID  = "search-unique-id"
	ProcTaskUniqueID    = "task-unique-id"
)

// Event types of the default catalog.
const (
	EventFileDownload = "file-download"
	EventFilePreview  = "file-preview"
	EventRecordView   = "record-view"
	EventTopView      = "top-view"
	EventItemCreate   = "item-create"
	EventSearch       = "search"
	EventTask         = "task"
)

// uniqueSessionCardinality is the exact-count ceiling for per-group
// visitor counting in the default aggregations.
const uniqueSessionCardinality = 1000

// CatalogConfig carries the dependencies the default catalog's
// processors need.
type CatalogConfig struct {
	// Classifier flags robot and machine traffic. Nil disables both
	// flagging steps.
	Classifier agent.Classifier

	// Geo resolves client IPs to country codes before the address is
	// discarded. Nil means no country resolution.
	Geo geo.Resolver

	// Salt strengthens visitor hashing with a rotating secret. Nil
	// means unsalted hashing.
	Salt pipeline.SaltProvider

	// SafetyMargin is applied to every catalog aggregation.
	SafetyMargin time.Duration

	// Epoch bounds the first run of every catalog aggregation.
	Epoch time.Time

	// DoubleClickWindow overrides the indexer's deduplication window
	// for every catalog event type. 0 keeps the default.
	DoubleClickWindow time.Duration

	// WindowDisabled turns deduplication off for every catalog event
	// type.
	WindowDisabled bool
}

// NewDefaultRegistry builds the stock catalog: the repository event
// types, one daily aggregation per type and the report queries over
// them. Hosts extend the returned registry with their own
// registrations.
func NewDefaultRegistry(cfg CatalogConfig) (*Registry, error) {
	r := NewRegistry()

	classifier := cfg.Classifier
	if classifier == nil {
		classifier = agent.NewDetector()
	}
	resolver := cfg.Geo
	if resolver == nil {
		resolver = geo.Nop{}
	}
	anonymizer := pipeline.NewAnonymizer(resolver, cfg.Salt)

	processors := map[string]event.Processor{
		ProcFlagRobots:      pipeline.FlagRobots(classifier),
		ProcFlagMachines:    pipeline.FlagMachines(classifier),
		ProcAnonymize:       anonymizer.Processor(),
		ProcFileUniqueID:    event.BuildFileUniqueID,
		ProcRecordUniqueID:  event.BuildRecordUniqueID,
		ProcTopViewUniqueID: event.BuildTopViewUniqueID,
		ProcItemUniqueID:    event.BuildItemCreateUniqueID,
		ProcSearchCondition: event.BuildSearchCondition,
		ProcSearchUniqueID:  event.BuildSearchUniqueID,
		ProcTaskUniqueID:    event.BuildTaskUniqueID,
	}
	for name, p := range processors {
		if err := r.RegisterProcessor(name, p); err != nil {
			return nil, err
		}
	}

	// Anonymization runs before the unique-id builders: the ids key on
	// the resolved country, which only exists afterwards.
	events := []EventConfig{
		{Type: EventFileDownload, Processors: []string{ProcFlagRobots, ProcFlagMachines, ProcAnonymize, ProcFileUniqueID}},
		{Type: EventFilePreview, Processors: []string{ProcFlagRobots, ProcFlagMachines, ProcAnonymize, ProcFileUniqueID}},
		{Type: EventRecordView, Processors: []string{ProcFlagRobots, ProcFlagMachines, ProcAnonymize, ProcRecordUniqueID}},
		{Type: EventTopView, Processors: []string{ProcFlagRobots, ProcFlagMachines, ProcAnonymize, ProcTopViewUniqueID}},
		{Type: EventItemCreate, Processors: []string{ProcFlagRobots, ProcAnonymize, ProcItemUniqueID}},
		{Type: EventSearch, Processors: []string{ProcFlagRobots, ProcFlagMachines, ProcAnonymize, ProcSearchCondition, ProcSearchUniqueID}},
		{Type: EventTask, Processors: []string{ProcTaskUniqueID}},
	}
	for _, ec := range events {
		ec.DoubleClickWindow = cfg.DoubleClickWindow
		ec.WindowDisabled = cfg.WindowDisabled
		if err := r.RegisterEvent(ec); err != nil {
			return nil, err
		}
	}

	uniqueVisitors := aggregator.Metric{
		Kind:               aggregator.MetricCardinality,
		Field:              event.FieldUniqueSessionID,
		PrecisionThreshold: uniqueSessionCardinality,
	}

	aggregations := []aggregator.Definition{
		{
			Name:      "file-download-agg",
			EventType: EventFileDownload,
			Field:     event.FieldUniqueID,
			CopyFields: map[string]aggregator.CopyField{
				"file_key":  aggregator.Direct("file_key"),
				"bucket_id": aggregator.Direct("bucket_id"),
				"file_id":   aggregator.Direct("file_id"),
				"userrole":  aggregator.Direct("userrole"),
				"country":   aggregator.Direct(event.FieldCountry),
			},
			Metrics: map[string]aggregator.Metric{
				"unique_count": uniqueVisitors,
				"volume":       {Kind: aggregator.MetricSum, Field: "size"},
			},
		},
		{
			Name:      "file-preview-agg",
			EventType: EventFilePreview,
			Field:     event.FieldUniqueID,
			CopyFields: map[string]aggregator.CopyField{
				"file_key":  aggregator.Direct("file_key"),
				"bucket_id": aggregator.Direct("bucket_id"),
				"file_id":   aggregator.Direct("file_id"),
				"country":   aggregator.Direct(event.FieldCountry),
			},
			Metrics: map[string]aggregator.Metric{
				"unique_count": uniqueVisitors,
				"volume":       {Kind: aggregator.MetricSum, Field: "size"},
			},
		},
		{
			Name:      "record-view-agg",
			EventType: EventRecordView,
			Field:     event.FieldUniqueID,
			CopyFields: map[string]aggregator.CopyField{
				"record_id":          aggregator.Direct("record_id"),
				"pid_type":           aggregator.Direct("pid_type"),
				"pid_value":          aggregator.Direct("pid_value"),
				"record_index_names": aggregator.Direct("record_index_names"),
				"country":            aggregator.Direct(event.FieldCountry),
			},
			Metrics: map[string]aggregator.Metric{
				"unique_count": uniqueVisitors,
			},
		},
		{
			Name:      "top-view-agg",
			EventType: EventTopView,
			Field:     event.FieldUniqueID,
			CopyFields: map[string]aggregator.CopyField{
				"site_url": aggregator.Direct("site_url"),
			},
			Metrics: map[string]aggregator.Metric{
				"unique_count": uniqueVisitors,
			},
		},
		{
			Name:      "item-create-agg",
			EventType: EventItemCreate,
			Field:     event.FieldUniqueID,
			CopyFields: map[string]aggregator.CopyField{
				"pid_value": aggregator.Direct("pid_value"),
				"pid_type":  aggregator.Direct("pid_type"),
			},
			Metrics: map[string]aggregator.Metric{
				"unique_count": uniqueVisitors,
			},
		},
		{
			Name:      "search-agg",
			EventType: EventSearch,
			Field:     event.FieldUniqueID,
			CopyFields: map[string]aggregator.CopyField{
				"search_key": aggregator.Computed(searchKey),
			},
			Metrics: map[string]aggregator.Metric{
				"unique_count": uniqueVisitors,
			},
		},
		{
			Name:      "task-agg",
			EventType: EventTask,
			Field:     event.FieldUniqueID,
			CopyFields: map[string]aggregator.CopyField{
				"task_name":       aggregator.Direct("task_name"),
				"repository_name": aggregator.Direct("repository_name"),
			},
		},
	}
	for _, def := range aggregations {
		def.SafetyMargin = cfg.SafetyMargin
		def.Epoch = cfg.Epoch
		if err := r.RegisterAggregation(def); err != nil {
			return nil, err
		}
	}

	queries := []query.Definition{
		{
			Name:            "file-download-total",
			Collection:      "stats-" + EventFileDownload,
			RequiredFilters: []string{"bucket_id"},
			OptionalFilters: []string{"file_key"},
			CopyFields: map[string]string{
				"bucket_id": "bucket_id",
			},
			AggregatedFields: []string{"file_key"},
			Metrics: map[string]query.Metric{
				"value":  {Kind: query.MetricSum, Field: "count"},
				"volume": {Kind: query.MetricSum, Field: "volume"},
			},
		},
		{
			Name:            "file-download-histogram",
			Kind:            query.KindHistogram,
			Collection:      "stats-" + EventFileDownload,
			RequiredFilters: []string{"bucket_id", "file_key"},
			CopyFields: map[string]string{
				"bucket_id": "bucket_id",
				"file_key":  "file_key",
			},
		},
		{
			Name:            "file-preview-total",
			Collection:      "stats-" + EventFilePreview,
			RequiredFilters: []string{"bucket_id"},
			OptionalFilters: []string{"file_key"},
			AggregatedFields: []string{"file_key"},
			Metrics: map[string]query.Metric{
				"value":  {Kind: query.MetricSum, Field: "count"},
				"volume": {Kind: query.MetricSum, Field: "volume"},
			},
		},
		{
			Name:            "record-view-total",
			Collection:      "stats-" + EventRecordView,
			RequiredFilters: []string{"record_id"},
			CopyFields: map[string]string{
				"record_id": "record_id",
				"pid_value": "pid_value",
			},
			Metrics: map[string]query.Metric{
				"value":  {Kind: query.MetricSum, Field: "count"},
				"unique": {Kind: query.MetricSum, Field: "unique_count"},
			},
		},
		{
			Name:            "record-view-histogram",
			Kind:            query.KindHistogram,
			Collection:      "stats-" + EventRecordView,
			RequiredFilters: []string{"record_id"},
			Metrics: map[string]query.Metric{
				"value":  {Kind: query.MetricSum, Field: "count"},
				"unique": {Kind: query.MetricSum, Field: "unique_count"},
			},
		},
		{
			Name:       "top-view-histogram",
			Kind:       query.KindHistogram,
			Collection: "stats-" + EventTopView,
			Metrics: map[string]query.Metric{
				"value":  {Kind: query.MetricSum, Field: "count"},
				"unique": {Kind: query.MetricSum, Field: "unique_count"},
			},
		},
		{
			Name:             "item-create-total",
			Collection:       "stats-" + EventItemCreate,
			AggregatedFields: []string{"pid_value"},
		},
		{
			Name:             "search-key-total",
			Collection:       "stats-" + EventSearch,
			AggregatedFields: []string{"search_key"},
		},
		{
			Name:             "task-report",
			Collection:       "stats-" + EventTask,
			RequiredFilters:  []string{"repository_name"},
			AggregatedFields: []string{"task_name"},
		},
	}
	for _, def := range queries {
		if err := r.RegisterQuery(def); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// searchKey pulls the normalized query term out of the nested search
// detail for the aggregate copy field.
func searchKey(e event.Event) any {
	detail, _ := e["search_detail"].(map[string]any)
	if detail == nil {
		return ""
	}
	key, _ := detail["search_key"].(string)
	return key
}
