// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package event

import (
	"strings"
	"testing"
)

func TestBuildFileUniqueIDDeterministic(t *testing.T) {
	base := Event{
		"bucket_id": "bkt-1",
		"file_id":   "f-9",
		"country":   "DE",
	}
	a := BuildFileUniqueID(base.Clone())
	b := BuildFileUniqueID(base.Clone())
	if a.String(FieldUniqueID) == "" {
		t.Fatal("unique_id not set")
	}
	if a.String(FieldUniqueID) != b.String(FieldUniqueID) {
		t.Errorf("same content produced different ids: %q vs %q", a.String(FieldUniqueID), b.String(FieldUniqueID))
	}

	c := base.Clone()
	c["file_id"] = "f-10"
	if BuildFileUniqueID(c).String(FieldUniqueID) == a.String(FieldUniqueID) {
		t.Error("different content produced identical ids")
	}
}

func TestBuildRecordUniqueID(t *testing.T) {
	e := Event{
		"record_id": "rec-1",
		"country":   "JP",
		"record_index_list": []any{
			map[string]any{"index_id": "1", "index_name": "Articles"},
			map[string]any{"index_id": "2", "index_name": "Theses"},
		},
	}
	got := BuildRecordUniqueID(e)
	if got.String("record_index_names") != "Articles, Theses" {
		t.Errorf("record_index_names = %q", got.String("record_index_names"))
	}
	id := got.String(FieldUniqueID)
	if !strings.HasPrefix(id, "rec-1_JP_") {
		t.Errorf("unique_id = %q, want rec-1_JP_ prefix", id)
	}
}

func TestBuildTopViewUniqueID(t *testing.T) {
	a := BuildTopViewUniqueID(Event{"site_url": "https://repo.example"})
	b := BuildTopViewUniqueID(Event{"site_url": "https://other.example"})
	if a.String(FieldUniqueID) != b.String(FieldUniqueID) {
		t.Error("top view ids must collapse onto one key")
	}
}

func TestBuildItemCreateUniqueID(t *testing.T) {
	e := BuildItemCreateUniqueID(Event{"pid_value": "10.1234/xyz"})
	if got := e.String(FieldUniqueID); got != "item_create_10.1234/xyz" {
		t.Errorf("unique_id = %q", got)
	}
}

func TestBuildSearchCondition(t *testing.T) {
	e := Event{
		"search_detail": map[string]any{
			"q":           []any{"dark", "matter"},
			"search_type": "2",
			"empty":       []any{},
		},
	}
	got := BuildSearchCondition(e)
	detail, ok := got["search_detail"].(map[string]any)
	if !ok {
		t.Fatalf("search_detail = %T", got["search_detail"])
	}
	if detail["search_key"] != "dark matter" {
		t.Errorf("search_key = %v", detail["search_key"])
	}
	if detail["search_type"] != "2" {
		t.Errorf("search_type = %v", detail["search_type"])
	}
	if _, present := detail["q"]; present {
		t.Error("raw q field must be renamed away")
	}
	if _, present := detail["empty"]; present {
		t.Error("empty multi-values must be omitted")
	}
}

func TestBuildSearchUniqueID(t *testing.T) {
	e := Event{
		"search_detail": map[string]any{"q": "quantum", "search_type": "0"},
	}
	e = BuildSearchUniqueID(BuildSearchCondition(e))
	if got := e.String(FieldUniqueID); got != "quantum_0" {
		t.Errorf("unique_id = %q", got)
	}
}

func TestBuildTaskUniqueIDDeterministic(t *testing.T) {
	e := Event{"task_id": "t-1", "task_name": "harvest", "repository_name": "repo-a"}
	a := BuildTaskUniqueID(e.Clone()).String(FieldUniqueID)
	b := BuildTaskUniqueID(e.Clone()).String(FieldUniqueID)
	if a == "" || a != b {
		t.Errorf("task ids: %q vs %q", a, b)
	}
}
