// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package event

import (
	"strings"

	"github.com/google/uuid"
)

// Unique-id builders run as the final step of a preprocessing chain. The
// unique id is a stable, content-derived key: it is the basis of both
// double-click deduplication in the indexer and grouping in the
// aggregator, so every builder must be deterministic over the event's
// content fields.

// nameUUID derives a deterministic UUID (v3) from the joined key parts.
func nameUUID(parts ...string) string {
	return uuid.NewMD5(uuid.NameSpaceDNS, []byte(strings.Join(parts, "_"))).String()
}

// BuildFileUniqueID keys file download/preview events on the bucket,
// file, requesting role, access role, index membership, site-license
// flag, country and user.
func BuildFileUniqueID(e Event) Event {
	e[FieldUniqueID] = nameUUID(
		e.String("bucket_id"),
		e.String("file_id"),
		e.String("userrole"),
		e.String("accessrole"),
		e.String("index_list"),
		e.String("site_license_flag"),
		e.String(FieldCountry),
		e.String("cur_user_id"),
	)
	return e
}

// BuildRecordUniqueID keys record-view events on the record, country,
// user and the record's index membership. It also flattens the record
// index list into a comma-separated name field used by aggregation
// copy fields.
func BuildRecordUniqueID(e Event) Event {
	names := RecordIndexNames(e)
	e["record_index_names"] = names
	e[FieldUniqueID] = strings.Join([]string{
		e.String("record_id"),
		e.String(FieldCountry),
		e.String("cur_user_id"),
		names,
	}, "_")
	return e
}

// RecordIndexNames joins the index_name entries of record_index_list.
func RecordIndexNames(e Event) string {
	list, ok := e["record_index_list"].([]any)
	if !ok {
		return ""
	}
	names := make([]string, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if name, ok := entry["index_name"].(string); ok {
			names = append(names, name)
		}
	}
	return strings.Join(names, ", ")
}

// BuildTopViewUniqueID collapses all top-page views onto one key so the
// aggregate counts visits per day, not per visitor.
func BuildTopViewUniqueID(e Event) Event {
	e[FieldUniqueID] = "top_view"
	return e
}

// BuildItemCreateUniqueID keys item-create events on the created item's
// persistent identifier.
func BuildItemCreateUniqueID(e Event) Event {
	e[FieldUniqueID] = strings.Join([]string{"item", "create", e.String("pid_value")}, "_")
	return e
}

// BuildSearchUniqueID keys search events on the normalized search key
// and search type. BuildSearchCondition must run first.
func BuildSearchUniqueID(e Event) Event {
	detail, _ := e["search_detail"].(map[string]any)
	key, _ := detail["search_key"].(string)
	typ, _ := detail["search_type"].(string)
	e[FieldUniqueID] = key + "_" + typ
	return e
}

// BuildSearchCondition normalizes the raw multi-valued search arguments
// into flat string fields, renaming the query term to search_key.
func BuildSearchCondition(e Event) Event {
	raw, ok := e["search_detail"].(map[string]any)
	if !ok {
		return e
	}
	detail := make(map[string]any, len(raw))
	for key, value := range raw {
		var joined string
		switch v := value.(type) {
		case []any:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				if s, ok := p.(string); ok {
					parts = append(parts, s)
				}
			}
			joined = strings.Join(parts, " ")
		case string:
			joined = v
		}
		if key == "q" {
			detail["search_key"] = joined
		} else if joined != "" {
			detail[key] = joined
		}
	}
	e["search_detail"] = detail
	return e
}

// BuildTaskUniqueID keys background-task events on the task identity and
// the repository it ran against.
func BuildTaskUniqueID(e Event) Event {
	e[FieldUniqueID] = nameUUID(
		e.String("task_id"),
		e.String("task_name"),
		e.String("repository_name"),
	)
	return e
}
